package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yjsyyyjszf/dicom-server-1/internal/app"
	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/orchestrator"
)

func newStoreCmd(open OpenFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Store one instance",
		Long:  "Store one instance from a DICOM JSON dataset and an optional content file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			datasetPath, _ := cmd.Flags().GetString("dataset")
			contentPath, _ := cmd.Flags().GetString("content")

			ds, err := readDataset(datasetPath)
			if err != nil {
				return err
			}
			src := orchestrator.BytesSource(ds, nil)
			if contentPath != "" {
				if _, err := os.Stat(contentPath); err != nil {
					return fmt.Errorf("content file: %w", err)
				}
				src = orchestrator.FileSource(ds, contentPath)
			}

			return withArchive(cmd, open, func(a *app.Archive) error {
				res, err := a.StoreInstance(cmd.Context(), src)
				if err != nil {
					return fmt.Errorf("store failed (reason code %d): %w", fault.ReasonCode(err), err)
				}
				p := newPrinter(cmd)
				if p.isJSON() {
					return p.json(res)
				}
				p.kv([][2]string{
					{"Study", res.Identifier.StudyInstanceUID},
					{"Series", res.Identifier.SeriesInstanceUID},
					{"Instance", res.Identifier.SOPInstanceUID},
					{"Version", formatInt64(res.Identifier.Version)},
					{"Location", res.Location},
				})
				return nil
			})
		},
	}
	cmd.Flags().String("dataset", "", "DICOM JSON dataset file (required)")
	cmd.Flags().String("content", "", "instance content file")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func readDataset(path string) (*dicom.Dataset, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	ds := dicom.NewDataset()
	if err := json.Unmarshal(data, ds); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	return ds, nil
}
