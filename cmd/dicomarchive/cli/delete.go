package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/yjsyyyjszf/dicom-server-1/internal/app"
	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
)

func newDeleteCmd(open OpenFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete studies, series or instances",
		Long:  "Remove instances from the index. Content and metadata are removed by the reaper after the grace period.",
	}
	cmd.AddCommand(
		newDeleteScopeCmd(open, "study <study-uid>", "Delete every instance of a study", 1,
			func(ctx context.Context, a *app.Archive, args []string) ([]dicom.VersionedInstanceIdentifier, error) {
				return a.DeleteStudy(ctx, args[0])
			}),
		newDeleteScopeCmd(open, "series <study-uid> <series-uid>", "Delete every instance of a series", 2,
			func(ctx context.Context, a *app.Archive, args []string) ([]dicom.VersionedInstanceIdentifier, error) {
				return a.DeleteSeries(ctx, args[0], args[1])
			}),
		newDeleteScopeCmd(open, "instance <study-uid> <series-uid> <sop-uid>", "Delete one instance", 3,
			func(ctx context.Context, a *app.Archive, args []string) ([]dicom.VersionedInstanceIdentifier, error) {
				return a.DeleteInstance(ctx, dicom.InstanceIdentifier{
					StudyInstanceUID:  args[0],
					SeriesInstanceUID: args[1],
					SOPInstanceUID:    args[2],
				})
			}),
	)
	return cmd
}

type deleteFunc func(ctx context.Context, a *app.Archive, args []string) ([]dicom.VersionedInstanceIdentifier, error)

func newDeleteScopeCmd(open OpenFunc, use, short string, nargs int, del deleteFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withArchive(cmd, open, func(a *app.Archive) error {
				removed, err := del(cmd.Context(), a, args)
				if err != nil {
					return err
				}
				p := newPrinter(cmd)
				if p.isJSON() {
					return p.json(removed)
				}
				rows := make([][]string, 0, len(removed))
				for _, v := range removed {
					rows = append(rows, []string{v.StudyInstanceUID, v.SeriesInstanceUID, v.SOPInstanceUID, formatInt64(v.Version)})
				}
				p.table([]string{"STUDY", "SERIES", "INSTANCE", "VERSION"}, rows)
				return nil
			})
		},
	}
}
