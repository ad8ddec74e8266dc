//go:build !tiledb

package tiledb

import (
	"fmt"
	"os"
)

// Reader is a stub when built without "-tags tiledb".
type Reader struct {
	basePath string
}

// NewReader creates a TileDB reader (stub). It still resolves and validates the
// slice path, so config issues can be caught early, but all reads return ErrUnsupported.
func NewReader(basePath string) (*Reader, error) {
	p, err := ResolveGroupPath(basePath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(p); statErr != nil {
		return nil, fmt.Errorf("tiledb slice not found at %s: %w", p, statErr)
	}
	return &Reader{basePath: p}, nil
}

func (r *Reader) Supported() bool { return false }

func (r *Reader) Path() string { return r.basePath }

func (r *Reader) Has(name string) bool { return hasArray(r.basePath, name) }

func (r *Reader) ReadFloat64(name string) ([]float64, []int, error) {
	return nil, nil, ErrUnsupported
}

func (r *Reader) ReadFloat32(name string) ([]float32, []int, error) {
	return nil, nil, ErrUnsupported
}

func (r *Reader) ReadInt32(name string) ([]int32, []int, error) {
	return nil, nil, ErrUnsupported
}

func (r *Reader) Close() {}
