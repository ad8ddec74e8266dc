//go:build tiledb

package tiledb

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Reader reads whole dense arrays of one slice directory.
type Reader struct {
	basePath string
	ctx      *tiledb.Context
}

// NewReader opens the slice directory at basePath.
func NewReader(basePath string) (*Reader, error) {
	p, err := ResolveGroupPath(basePath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(p); statErr != nil {
		return nil, fmt.Errorf("tiledb slice not found at %s: %w", p, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{basePath: p, ctx: ctx}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) Path() string { return r.basePath }

func (r *Reader) Has(name string) bool { return hasArray(r.basePath, name) }

// ReadFloat64 reads a whole float64 array in row-major order.
func (r *Reader) ReadFloat64(name string) ([]float64, []int, error) {
	return readDense[float64](r, name)
}

// ReadFloat32 reads a whole float32 array in row-major order.
func (r *Reader) ReadFloat32(name string) ([]float32, []int, error) {
	return readDense[float32](r, name)
}

// ReadInt32 reads a whole int32 array in row-major order.
func (r *Reader) ReadInt32(name string) ([]int32, []int, error) {
	return readDense[int32](r, name)
}

// Close releases the TileDB context.
func (r *Reader) Close() {
	if r.ctx != nil {
		r.ctx.Free()
	}
}

func readDense[T any](r *Reader, name string) ([]T, []int, error) {
	uri := filepath.Join(r.basePath, name)
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, nil, fmt.Errorf("failed to open array %s for read: %w", name, err)
	}
	defer arr.Close()

	// Use non-empty domain to avoid relying on potentially unbounded dimension domains.
	domains, isEmpty, err := arr.NonEmptyDomain()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get %s non-empty domain: %w", name, err)
	}
	if isEmpty || len(domains) == 0 {
		return []T{}, []int{0}, nil
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()

	shape := make([]int, len(domains))
	n := 1
	for i, d := range domains {
		lo, hi, err := boundsMinMaxInt64(d.Bounds)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse %s bounds of %s: %w", d.DimensionName, name, err)
		}
		if err := sub.AddRangeByName(d.DimensionName, tiledb.MakeRange[int64](lo, hi)); err != nil {
			return nil, nil, fmt.Errorf("failed to set %s range: %w", d.DimensionName, err)
		}
		shape[i] = int(hi - lo + 1)
		n *= shape[i]
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, nil, fmt.Errorf("failed to set query layout: %w", err)
	}

	out := make([]T, n)
	if _, err := q.SetDataBuffer(ValueAttribute, out); err != nil {
		return nil, nil, fmt.Errorf("failed to set buffer %s: %w", ValueAttribute, err)
	}
	if err := q.Submit(); err != nil {
		return nil, nil, fmt.Errorf("query submit failed: %w", err)
	}
	status, err := q.Status()
	if err != nil {
		return nil, nil, fmt.Errorf("query status failed: %w", err)
	}
	if status != tiledb.TILEDB_COMPLETED {
		return nil, nil, fmt.Errorf("unexpected query status for %s: %v", name, status)
	}

	elems, err := q.ResultBufferElements()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get result buffer elements: %w", err)
	}
	if got := int(elems[ValueAttribute][1]); got != n {
		return nil, nil, fmt.Errorf("array %s: read %d of %d values", name, got, n)
	}
	return out, shape, nil
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}
