// Package spectral holds the read-only per-slice spectrum arrays and answers
// m/z range queries over them: per-pixel range-sum images, exact or through the
// cumulative bucket cache, and index boundaries into the slice average spectra.
package spectral

import (
	"fmt"
	"sort"
	"sync"
)

// Segments is the pixel segment table of a slice, stored as parallel arrays.
// Start[p] and End[p] are the inclusive bounds of pixel p's peaks in the
// flattened spectrum arrays. A pixel without peaks has Start > End.
type Segments struct {
	Start []int32
	End   []int32
}

// Len returns the number of pixels in the table.
func (s Segments) Len() int {
	return len(s.Start)
}

// Empty reports whether pixel p has no peaks.
func (s Segments) Empty(p int) bool {
	return s.End[p] < s.Start[p]
}

// Span returns pixel p's peaks as the half-open index interval [lo, hi).
func (s Segments) Span(p int) (lo, hi int) {
	lo, hi = int(s.Start[p]), int(s.End[p])+1
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// Slice is one tissue section: the flattened sparse spectra of all its pixels
// plus the lookup structures built offline over them. A Slice is immutable once
// Prepare has returned and may be shared by any number of readers.
type Slice struct {
	ID    int
	Shape Shape

	MZ        []float64
	Intensity []float32
	Segments  Segments

	Lookup     BucketIndex
	Cumulative *CumulativeCache
	Correction *Correction

	Average             *AverageSpectrum
	AverageHD           *AverageSpectrum
	AverageStandardized *AverageSpectrum

	cacheExact bool
}

// Pixels returns the number of pixels of the slice raster.
func (s *Slice) Pixels() int {
	return s.Shape.Pixels()
}

// CacheExact reports whether the cumulative cache reproduces exact sums bit for bit.
func (s *Slice) CacheExact() bool {
	return s.cacheExact
}

// Peaks returns the number of stored (m/z, intensity) entries.
func (s *Slice) Peaks() int {
	return len(s.MZ)
}

// Store gives read access to the slices of one dataset.
type Store interface {
	// SliceIDs lists the slice ids in ascending order.
	SliceIDs() []int
	Slice(id int) (*Slice, error)
	Spectra(id int) (mz []float64, intensity []float32, err error)
	PixelBounds(id int) (Segments, error)
	ImageShape(id int) (Shape, error)
}

// Loader builds a prepared slice on first access.
type Loader func(id int) (*Slice, error)

type storeEntry struct {
	once  sync.Once
	load  Loader
	slice *Slice
	err   error
}

// MemStore keeps slices in memory. Slices are either handed over up front or
// loaded on first access; a loaded slice is never replaced.
type MemStore struct {
	ids     []int
	entries map[int]*storeEntry
}

// NewMemStore returns a store over already prepared slices.
func NewMemStore(slices ...*Slice) *MemStore {
	m := &MemStore{entries: make(map[int]*storeEntry, len(slices))}
	for _, s := range slices {
		sl := s
		m.add(sl.ID, func(int) (*Slice, error) { return sl, nil })
	}
	m.sortIDs()
	return m
}

// NewLazyStore returns a store that calls load the first time each id is requested.
// A failed load is remembered and returned to every later caller.
func NewLazyStore(ids []int, load Loader) *MemStore {
	m := &MemStore{entries: make(map[int]*storeEntry, len(ids))}
	for _, id := range ids {
		m.add(id, load)
	}
	m.sortIDs()
	return m
}

func (m *MemStore) add(id int, load Loader) {
	if _, ok := m.entries[id]; ok {
		return
	}
	m.entries[id] = &storeEntry{load: load}
	m.ids = append(m.ids, id)
}

func (m *MemStore) sortIDs() {
	sort.Ints(m.ids)
}

// SliceIDs lists the slice ids in ascending order.
func (m *MemStore) SliceIDs() []int {
	out := make([]int, len(m.ids))
	copy(out, m.ids)
	return out
}

// Slice returns the slice with the given id, loading it if needed.
func (m *MemStore) Slice(id int) (*Slice, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSliceNotFound, id)
	}
	e.once.Do(func() {
		e.slice, e.err = e.load(id)
		if e.err == nil && e.slice == nil {
			e.err = fmt.Errorf("%w: %d", ErrSliceNotFound, id)
		}
	})
	return e.slice, e.err
}

// Spectra returns the flattened m/z and intensity arrays of a slice.
func (m *MemStore) Spectra(id int) ([]float64, []float32, error) {
	s, err := m.Slice(id)
	if err != nil {
		return nil, nil, err
	}
	return s.MZ, s.Intensity, nil
}

// PixelBounds returns the pixel segment table of a slice.
func (m *MemStore) PixelBounds(id int) (Segments, error) {
	s, err := m.Slice(id)
	if err != nil {
		return Segments{}, err
	}
	return s.Segments, nil
}

// ImageShape returns the raster shape of a slice.
func (m *MemStore) ImageShape(id int) (Shape, error) {
	s, err := m.Slice(id)
	if err != nil {
		return Shape{}, err
	}
	return s.Shape, nil
}
