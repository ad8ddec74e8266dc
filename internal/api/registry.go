package api

import (
	"fmt"

	"github.com/maldi-atlas/server/internal/service"
)

const defaultTitle = "MALDI Atlas"

// DatasetInfo is one entry of the /api/datasets listing.
type DatasetInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Slices int    `json:"slices"`
}

// DatasetRegistry maps dataset IDs to their query services.
// Datasets are listed in registration order; the first one registered
// is the default unless SetDefault picks another.
type DatasetRegistry struct {
	title    string
	fallback string
	ids      []string
	services map[string]*service.QueryService
}

func NewDatasetRegistry(title string) *DatasetRegistry {
	if title == "" {
		title = defaultTitle
	}
	return &DatasetRegistry{
		title:    title,
		services: make(map[string]*service.QueryService),
	}
}

// Register adds svc under its dataset ID.
func (r *DatasetRegistry) Register(svc *service.QueryService) error {
	id := svc.DatasetID()
	if _, dup := r.services[id]; dup {
		return fmt.Errorf("dataset %q registered twice", id)
	}
	r.services[id] = svc
	r.ids = append(r.ids, id)
	if r.fallback == "" {
		r.fallback = id
	}
	return nil
}

// SetDefault selects the dataset served when a client asks for none.
func (r *DatasetRegistry) SetDefault(id string) error {
	if _, ok := r.services[id]; !ok {
		return fmt.Errorf("dataset %q is not registered", id)
	}
	r.fallback = id
	return nil
}

// Lookup returns the service for id. An empty id resolves to the default.
func (r *DatasetRegistry) Lookup(id string) (*service.QueryService, bool) {
	if id == "" {
		id = r.fallback
	}
	svc, ok := r.services[id]
	return svc, ok
}

func (r *DatasetRegistry) DefaultDatasetID() string { return r.fallback }

func (r *DatasetRegistry) Title() string { return r.title }

func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, len(r.ids))
	for i, id := range r.ids {
		svc := r.services[id]
		infos[i] = DatasetInfo{ID: id, Name: svc.DatasetName(), Slices: len(svc.Slices())}
	}
	return infos
}

// Close closes every registered service and reports the first failure.
func (r *DatasetRegistry) Close() error {
	var first error
	for _, id := range r.ids {
		if err := r.services[id].Close(); err != nil && first == nil {
			first = fmt.Errorf("close dataset %s: %w", id, err)
		}
	}
	return first
}
