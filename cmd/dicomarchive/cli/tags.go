package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/yjsyyyjszf/dicom-server-1/internal/app"
	"github.com/yjsyyyjszf/dicom-server-1/internal/querytag"
)

func newTagsCmd(open OpenFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tags",
		Aliases: []string{"tag"},
		Short:   "Manage extended query tags",
	}
	cmd.AddCommand(
		newTagsAddCmd(open),
		newTagsListCmd(open),
		newTagsGetCmd(open),
		newTagsRemoveCmd(open),
		newTagsPromoteCmd(open),
	)
	return cmd
}

func newTagsAddCmd(open OpenFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an extended query tag in the Adding state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			vr, _ := cmd.Flags().GetString("vr")
			level, _ := cmd.Flags().GetString("level")
			creator, _ := cmd.Flags().GetString("private-creator")
			return withArchive(cmd, open, func(a *app.Archive) error {
				added, err := a.AddExtendedQueryTags(cmd.Context(), []querytag.AddRequest{{
					Path: path, VR: vr, Level: level, PrivateCreator: creator,
				}})
				if err != nil {
					return err
				}
				return printTags(newPrinter(cmd), added)
			})
		},
	}
	cmd.Flags().String("path", "", "tag path, e.g. 00100040 (required)")
	cmd.Flags().String("vr", "", "value representation, e.g. CS (required)")
	cmd.Flags().String("level", "instance", "level: study, series or instance")
	cmd.Flags().String("private-creator", "", "private creator for private tags")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("vr")
	return cmd
}

func newTagsListCmd(open OpenFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List extended query tags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, open, func(a *app.Archive) error {
				tags, err := a.ListExtendedQueryTags(cmd.Context())
				if err != nil {
					return err
				}
				return printTags(newPrinter(cmd), tags)
			})
		},
	}
}

func newTagsGetCmd(open OpenFunc) *cobra.Command {
	return newTagPathCmd(open, "get <path>", "Show one extended query tag", (*app.Archive).GetExtendedQueryTag)
}

func newTagsRemoveCmd(open OpenFunc) *cobra.Command {
	return newTagPathCmd(open, "remove <path>", "Mark an extended query tag Deleting", (*app.Archive).RemoveExtendedQueryTag)
}

func newTagsPromoteCmd(open OpenFunc) *cobra.Command {
	return newTagPathCmd(open, "promote <path>", "Activate an Adding tag for new instances", (*app.Archive).PromoteExtendedQueryTag)
}

type tagPathFunc = func(a *app.Archive, ctx context.Context, path string) (querytag.Entry, error)

func newTagPathCmd(open OpenFunc, use, short string, fn tagPathFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, open, func(a *app.Archive) error {
				e, err := fn(a, cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printTags(newPrinter(cmd), []querytag.Entry{e})
			})
		},
	}
}

// tagJSON is the JSON view of an extended query tag.
type tagJSON struct {
	Path           string `json:"path"`
	VR             string `json:"vr"`
	Level          string `json:"level"`
	Status         string `json:"status"`
	PrivateCreator string `json:"privateCreator,omitempty"`
}

func printTags(p *printer, tags []querytag.Entry) error {
	if p.isJSON() {
		out := make([]tagJSON, 0, len(tags))
		for _, t := range tags {
			out = append(out, tagJSON{
				Path: t.Path, VR: string(t.VR), Level: t.Level.String(),
				Status: t.Status.String(), PrivateCreator: t.PrivateCreator,
			})
		}
		return p.json(out)
	}
	rows := make([][]string, 0, len(tags))
	for _, t := range tags {
		creator := t.PrivateCreator
		if creator == "" {
			creator = "-"
		}
		rows = append(rows, []string{t.Path, string(t.VR), t.Level.String(), t.Status.String(), creator})
	}
	p.table([]string{"PATH", "VR", "LEVEL", "STATUS", "PRIVATE CREATOR"}, rows)
	return nil
}
