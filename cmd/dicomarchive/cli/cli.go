// Package cli implements the archive subcommands that operate on a local
// archive: store, delete, changefeed, tags and reap.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/yjsyyyjszf/dicom-server-1/internal/app"
)

// OpenFunc opens the archive selected by cmd's flags. The caller closes it.
type OpenFunc func(cmd *cobra.Command) (*app.Archive, error)

// Commands returns the archive subcommands. Each command opens the archive
// through open and closes it when done.
func Commands(open OpenFunc) []*cobra.Command {
	return []*cobra.Command{
		newStoreCmd(open),
		newDeleteCmd(open),
		newChangeFeedCmd(open),
		newTagsCmd(open),
		newReapCmd(open),
	}
}

// AddOutputFlag registers the persistent --output flag on cmd.
func AddOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")
}

// withArchive opens the archive, runs fn and closes the archive, keeping
// fn's error over the close error.
func withArchive(cmd *cobra.Command, open OpenFunc, fn func(a *app.Archive) error) (err error) {
	a, err := open(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
