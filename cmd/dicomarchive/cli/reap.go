package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yjsyyyjszf/dicom-server-1/internal/app"
)

func newReapCmd(open OpenFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run one cleanup sweep now",
		Long:  "Physically remove content and metadata of deleted instances whose grace period has passed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, open, func(a *app.Archive) error {
				res, err := a.Reap(cmd.Context())
				if err != nil {
					return err
				}
				p := newPrinter(cmd)
				if p.isJSON() {
					return p.json(res)
				}
				p.kv([][2]string{
					{"Run", res.RunID},
					{"Deleted", strconv.Itoa(res.Deleted)},
					{"Failed", strconv.Itoa(res.Failed)},
					{"Exhausted", strconv.Itoa(res.Exhausted)},
				})
				return nil
			})
		},
	}
}
