package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// WriteOptions controls how an array is laid out on disk.
type WriteOptions struct {
	// ChunkShape defaults to the whole array in one chunk.
	ChunkShape []int
	// Codec is "zstd" (default), "gzip" or "none".
	Codec string
}

// WriteGroup creates a group directory with its zarr.json.
func WriteGroup(dir string, attributes map[string]interface{}) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	meta := map[string]interface{}{"zarr_format": 3, "node_type": "group"}
	if len(attributes) > 0 {
		meta["attributes"] = attributes
	}
	return writeJSON(filepath.Join(dir, "zarr.json"), meta)
}

// WriteFloat64 writes a float64 array in C order.
func WriteFloat64(dir, name string, shape []int, data []float64, opts WriteOptions) error {
	raw := make([]byte, len(data)*8)
	for i, v := range data {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	return writeArray(dir, name, "float64", shape, raw, opts)
}

// WriteFloat32 writes a float32 array in C order.
func WriteFloat32(dir, name string, shape []int, data []float32, opts WriteOptions) error {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return writeArray(dir, name, "float32", shape, raw, opts)
}

// WriteInt32 writes an int32 array in C order.
func WriteInt32(dir, name string, shape []int, data []int32, opts WriteOptions) error {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(v))
	}
	return writeArray(dir, name, "int32", shape, raw, opts)
}

func writeArray(dir, name, dtype string, shape []int, raw []byte, opts WriteOptions) error {
	size, err := zarrDTypeSize(dtype)
	if err != nil {
		return err
	}
	if product(shape)*size != len(raw) {
		return fmt.Errorf("array %s: %d bytes for shape %v", name, len(raw), shape)
	}
	chunk := opts.ChunkShape
	if len(chunk) == 0 {
		chunk = make([]int, len(shape))
		for d, n := range shape {
			chunk[d] = max(n, 1)
		}
	}
	if len(chunk) != len(shape) {
		return fmt.Errorf("array %s: chunk shape %v for shape %v", name, chunk, shape)
	}

	codecs := []Codec{{Name: "bytes", Configuration: map[string]interface{}{"endian": "little"}}}
	switch opts.Codec {
	case "", "zstd":
		codecs = append(codecs, Codec{Name: "zstd", Configuration: map[string]interface{}{"level": 3, "checksum": false}})
	case "gzip":
		codecs = append(codecs, Codec{Name: "gzip", Configuration: map[string]interface{}{"level": 5}})
	case "none":
	default:
		return fmt.Errorf("unsupported codec %q", opts.Codec)
	}

	arrayPath := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Join(arrayPath, "c"), 0o755); err != nil {
		return fmt.Errorf("failed to create array dir: %w", err)
	}

	meta := ArrayMeta{Shape: shape, DataType: dtype, FillValue: 0, Codecs: codecs, ZarrFormat: 3, NodeType: "array"}
	meta.ChunkGrid.Name = "regular"
	meta.ChunkGrid.Configuration.ChunkShape = chunk
	meta.ChunkKeyEncoding.Name = "default"
	meta.ChunkKeyEncoding.Configuration.Separator = "/"
	if err := writeJSON(filepath.Join(arrayPath, "zarr.json"), meta); err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer encoder.Close()

	grid := make([]int, len(shape))
	for d := range shape {
		grid[d] = ceilDiv(shape[d], chunk[d])
	}
	strides := cOrderStrides(shape)
	inner := cOrderStrides(chunk)
	ndim := len(shape)

	idx := make([]int, ndim)
	for {
		buf := make([]byte, product(chunk)*size)
		actual := make([]int, ndim)
		for d := range shape {
			actual[d] = min(chunk[d], shape[d]-idx[d]*chunk[d])
		}
		run := actual[ndim-1] * size
		pos := make([]int, ndim)
		for {
			src, dst := 0, 0
			for d := 0; d < ndim; d++ {
				src += (idx[d]*chunk[d] + pos[d]) * strides[d]
				dst += pos[d] * inner[d]
			}
			copy(buf[dst*size:dst*size+run], raw[src*size:src*size+run])
			if ndim == 1 || !nextIndex(pos[:ndim-1], actual[:ndim-1]) {
				break
			}
		}

		// All-zero chunks are left out and read back as fill value.
		if !allZero(buf) {
			var encoded []byte
			switch opts.Codec {
			case "", "zstd":
				encoded = encoder.EncodeAll(buf, nil)
			case "gzip":
				var b bytes.Buffer
				zw := gzip.NewWriter(&b)
				if _, err := zw.Write(buf); err != nil {
					return err
				}
				if err := zw.Close(); err != nil {
					return err
				}
				encoded = b.Bytes()
			default:
				encoded = buf
			}
			key := encodeChunkKey(&meta, idx)
			chunkPath := filepath.Join(arrayPath, "c", filepath.FromSlash(key))
			if err := os.MkdirAll(filepath.Dir(chunkPath), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(chunkPath, encoded, 0o644); err != nil {
				return fmt.Errorf("failed to write chunk %s: %w", key, err)
			}
		}

		if !nextIndex(idx, grid) {
			return nil
		}
	}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
