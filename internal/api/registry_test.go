package api

import (
	"context"
	"testing"

	"github.com/maldi-atlas/server/internal/dataset"
	"github.com/maldi-atlas/server/internal/dataset/datasettest"
	"github.com/maldi-atlas/server/internal/service"
)

func TestDatasetRegistry(t *testing.T) {
	dir := datasettest.Write(t, datasettest.Slice(3))
	ds, err := dataset.Open(context.Background(), dataset.Config{Path: dir, Backend: "zarr"})
	if err != nil {
		t.Fatalf("Failed to open dataset: %v", err)
	}
	brain := service.NewQueryService(service.QueryServiceConfig{DatasetID: "brain", Dataset: ds})
	kidney := service.NewQueryService(service.QueryServiceConfig{DatasetID: "kidney", Dataset: ds})

	registry := NewDatasetRegistry("")
	if registry.Title() != defaultTitle {
		t.Errorf("expected default title, got %q", registry.Title())
	}
	for _, svc := range []*service.QueryService{brain, kidney} {
		if err := registry.Register(svc); err != nil {
			t.Fatalf("Register(%s) failed: %v", svc.DatasetID(), err)
		}
	}
	if err := registry.Register(brain); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	if registry.DefaultDatasetID() != "brain" {
		t.Errorf("expected first registered dataset as default, got %q", registry.DefaultDatasetID())
	}
	if err := registry.SetDefault("liver"); err == nil {
		t.Error("expected unknown default to fail")
	}
	if err := registry.SetDefault("kidney"); err != nil {
		t.Fatalf("SetDefault failed: %v", err)
	}
	if svc, ok := registry.Lookup(""); !ok || svc != kidney {
		t.Error("empty id should resolve to the default dataset")
	}
	if _, ok := registry.Lookup("liver"); ok {
		t.Error("expected lookup of unknown dataset to fail")
	}

	infos := registry.Datasets()
	if len(infos) != 2 || infos[0].ID != "brain" || infos[1].ID != "kidney" {
		t.Fatalf("unexpected listing %+v", infos)
	}
	if infos[0].Name != "test" || infos[0].Slices != 1 {
		t.Errorf("unexpected entry %+v", infos[0])
	}
	if err := registry.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
