// Package metadatatest provides a conformance suite for metadata.Store
// backends.
package metadatatest

import (
	"context"
	"errors"
	"testing"

	"github.com/yjsyyyjszf/dicom-server-1/internal/dicom"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
	"github.com/yjsyyyjszf/dicom-server-1/internal/metadata"
)

// Dataset returns a dataset for the given identifier with a patient name.
func Dataset(study, series, sop, patient string) *dicom.Dataset {
	ds := dicom.NewDataset()
	ds.SetString(dicom.TagStudyInstanceUID, dicom.VRUI, study)
	ds.SetString(dicom.TagSeriesInstanceUID, dicom.VRUI, series)
	ds.SetString(dicom.TagSOPInstanceUID, dicom.VRUI, sop)
	ds.SetString(dicom.TagPatientName, dicom.VRPN, patient)
	return ds
}

func vid(ds *dicom.Dataset, version int64) dicom.VersionedInstanceIdentifier {
	v, err := metadata.Identify(ds, version)
	if err != nil {
		panic(err)
	}
	return v
}

// TestStore runs the conformance suite. Each subtest receives a fresh store.
func TestStore(t *testing.T, newStore func(t *testing.T) metadata.Store) {
	ctx := context.Background()

	t.Run("StoreGet", func(t *testing.T) {
		s := newStore(t)
		ds := Dataset("1.2", "1.2.3", "1.2.3.4", "Doe^Jane")
		if err := s.Store(ctx, ds, 1); err != nil {
			t.Fatalf("Store: %v", err)
		}
		got, err := s.Get(ctx, vid(ds, 1))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if name, _ := got.SingleString(dicom.TagPatientName, ""); name != "Doe^Jane" {
			t.Errorf("PatientName = %q, want %q", name, "Doe^Jane")
		}
		if got.Len() != ds.Len() {
			t.Errorf("Len = %d, want %d", got.Len(), ds.Len())
		}
	})

	t.Run("VersionsAreSeparate", func(t *testing.T) {
		s := newStore(t)
		v1 := Dataset("1.2", "1.2.3", "1.2.3.4", "First")
		v2 := Dataset("1.2", "1.2.3", "1.2.3.4", "Second")
		if err := s.Store(ctx, v1, 1); err != nil {
			t.Fatal(err)
		}
		if err := s.Store(ctx, v2, 2); err != nil {
			t.Fatal(err)
		}
		for version, want := range map[int64]string{1: "First", 2: "Second"} {
			got, err := s.Get(ctx, vid(v1, version))
			if err != nil {
				t.Fatalf("Get v%d: %v", version, err)
			}
			if name, _ := got.SingleString(dicom.TagPatientName, ""); name != want {
				t.Errorf("v%d PatientName = %q, want %q", version, name, want)
			}
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		ds := Dataset("1.2", "1.2.3", "1.2.3.9", "X")
		if _, err := s.Get(ctx, vid(ds, 1)); !errors.Is(err, fault.ErrNotFound) {
			t.Fatalf("Get missing: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteIfExists", func(t *testing.T) {
		s := newStore(t)
		ds := Dataset("1.2", "1.2.3", "1.2.3.4", "X")
		if err := s.Store(ctx, ds, 3); err != nil {
			t.Fatal(err)
		}
		for i := range 2 {
			if err := s.DeleteIfExists(ctx, vid(ds, 3)); err != nil {
				t.Fatalf("DeleteIfExists #%d: %v", i+1, err)
			}
		}
		if _, err := s.Get(ctx, vid(ds, 3)); !errors.Is(err, fault.ErrNotFound) {
			t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("StoreRejectsMissingIdentifier", func(t *testing.T) {
		s := newStore(t)
		ds := dicom.NewDataset()
		ds.SetString(dicom.TagPatientName, dicom.VRPN, "X")
		if err := s.Store(ctx, ds, 1); !errors.Is(err, fault.ErrValidation) {
			t.Fatalf("Store: err = %v, want ErrValidation", err)
		}
	})
}
