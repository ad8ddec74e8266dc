package zarr

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestReadWrite_ChunkedInt32(t *testing.T) {
	dir := t.TempDir()
	shape := []int{5, 7}
	data := make([]int32, 35)
	for i := range data {
		if i%7 < 3 && i/7 < 2 {
			continue // leaves chunk (0,0) all zero
		}
		data[i] = int32(i*3 - 20)
	}

	for _, codec := range []string{"zstd", "gzip", "none"} {
		t.Run(codec, func(t *testing.T) {
			name := "values_" + codec
			if err := WriteInt32(dir, name, shape, data, WriteOptions{ChunkShape: []int{2, 3}, Codec: codec}); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := os.Stat(filepath.Join(dir, name, "c", "0", "0")); !os.IsNotExist(err) {
				t.Fatalf("expected all-zero chunk to be skipped, stat err=%v", err)
			}

			r, err := NewReader(dir)
			if err != nil {
				t.Fatalf("failed to create reader: %v", err)
			}
			defer r.Close()

			got, gotShape, err := r.ReadInt32(name)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if len(gotShape) != 2 || gotShape[0] != 5 || gotShape[1] != 7 {
				t.Fatalf("unexpected shape %v", gotShape)
			}
			for i := range data {
				if got[i] != data[i] {
					t.Fatalf("element %d: got %d, want %d", i, got[i], data[i])
				}
			}
		})
	}
}

func TestReadWrite_Floats(t *testing.T) {
	dir := t.TempDir()
	f64 := []float64{400.1234, 512.5, 899.9999, math.SmallestNonzeroFloat64}
	f32 := []float32{0.25, 1e-30, 3, 0}

	if err := WriteFloat64(dir, "mz", []int{4}, f64, WriteOptions{ChunkShape: []int{3}}); err != nil {
		t.Fatalf("write mz: %v", err)
	}
	if err := WriteFloat32(dir, "intensity", []int{4}, f32, WriteOptions{}); err != nil {
		t.Fatalf("write intensity: %v", err)
	}

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer r.Close()

	if !r.Has("mz") || r.Has("missing") {
		t.Fatal("unexpected Has results")
	}

	gotMZ, _, err := r.ReadFloat64("mz")
	if err != nil {
		t.Fatalf("read mz: %v", err)
	}
	for i := range f64 {
		if gotMZ[i] != f64[i] {
			t.Fatalf("mz[%d]: got %v, want %v", i, gotMZ[i], f64[i])
		}
	}

	gotI, _, err := r.ReadFloat32("intensity")
	if err != nil {
		t.Fatalf("read intensity: %v", err)
	}
	for i := range f32 {
		if gotI[i] != f32[i] {
			t.Fatalf("intensity[%d]: got %v, want %v", i, gotI[i], f32[i])
		}
	}

	widened, _, err := r.ReadFloat64("intensity")
	if err != nil || widened[0] != 0.25 {
		t.Fatalf("float32 as float64: %v, %v", widened, err)
	}
	if _, _, err := r.ReadFloat32("mz"); err == nil {
		t.Fatal("expected error reading float64 as float32")
	}
	if _, _, err := r.ReadInt32("missing"); err == nil {
		t.Fatal("expected error for missing array")
	}
}

// Older writers store edge chunks truncated to the array bounds and may use
// big-endian element order.
func TestRead_TruncatedBigEndianChunks(t *testing.T) {
	dir := t.TempDir()
	arrayPath := filepath.Join(dir, "start")
	if err := os.MkdirAll(filepath.Join(arrayPath, "c"), 0o755); err != nil {
		t.Fatal(err)
	}
	meta := `{
  "zarr_format": 3,
  "node_type": "array",
  "shape": [5],
  "data_type": "int32",
  "chunk_grid": {"name": "regular", "configuration": {"chunk_shape": [3]}},
  "chunk_key_encoding": {"name": "default", "configuration": {"separator": "/"}},
  "fill_value": -1,
  "codecs": [{"name": "bytes", "configuration": {"endian": "big"}}]
}`
	if err := os.WriteFile(filepath.Join(arrayPath, "zarr.json"), []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}
	chunk := make([]byte, 2*4)
	binary.BigEndian.PutUint32(chunk[0:], 7)
	binary.BigEndian.PutUint32(chunk[4:], 9)
	if err := os.WriteFile(filepath.Join(arrayPath, "c", "1"), chunk, 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer r.Close()

	got, _, err := r.ReadInt32("start")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []int32{-1, -1, -1, 7, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("element %d: got %d, want %d (%v)", i, got[i], want[i], got)
		}
	}
}

func TestReader_RejectsUnsupportedCodec(t *testing.T) {
	dir := t.TempDir()
	if err := WriteInt32(dir, "a", []int{2}, []int32{1, 2}, WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	meta := `{"zarr_format":3,"node_type":"array","shape":[2],"data_type":"int32",
"chunk_grid":{"name":"regular","configuration":{"chunk_shape":[2]}},
"codecs":[{"name":"bytes"},{"name":"blosc"}]}`
	if err := os.WriteFile(filepath.Join(dir, "a", "zarr.json"), []byte(meta), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(dir)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer r.Close()
	if _, _, err := r.ReadInt32("a"); err == nil {
		t.Fatal("expected unsupported codec error")
	}
}
