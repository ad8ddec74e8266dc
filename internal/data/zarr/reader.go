// Package zarr reads and writes the numeric arrays of a Zarr v3 group.
package zarr

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Reader provides access to the arrays stored under one Zarr v3 group directory.
type Reader struct {
	basePath string
	decoder  *zstd.Decoder

	mu    sync.RWMutex
	metas map[string]*ArrayMeta
}

// ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue  interface{} `json:"fill_value"`
	Codecs     []Codec     `json:"codecs"`
	ZarrFormat int         `json:"zarr_format"`
	NodeType   string      `json:"node_type"`
}

// Codec is one entry of the codec pipeline.
type Codec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// ChunkShape returns the regular chunk shape of the array.
func (m *ArrayMeta) ChunkShape() []int {
	return m.ChunkGrid.Configuration.ChunkShape
}

// NewReader opens the group at basePath.
func NewReader(basePath string) (*Reader, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zarr group: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("zarr group %s is not a directory", basePath)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Reader{
		basePath: basePath,
		decoder:  decoder,
		metas:    make(map[string]*ArrayMeta),
	}, nil
}

// Path returns the group directory.
func (r *Reader) Path() string {
	return r.basePath
}

// Has reports whether the group contains an array with the given name.
func (r *Reader) Has(name string) bool {
	_, err := os.Stat(filepath.Join(r.basePath, name, "zarr.json"))
	return err == nil
}

// ArrayMeta loads (and caches) the metadata of an array.
func (r *Reader) ArrayMeta(name string) (*ArrayMeta, error) {
	r.mu.RLock()
	meta, ok := r.metas[name]
	r.mu.RUnlock()
	if ok {
		return meta, nil
	}

	meta, err := r.loadArrayMeta(filepath.Join(r.basePath, name))
	if err != nil {
		return nil, fmt.Errorf("array %s: %w", name, err)
	}

	r.mu.Lock()
	r.metas[name] = meta
	r.mu.Unlock()
	return meta, nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func (r *Reader) loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	data, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}

	var meta ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse zarr.json: %w", err)
	}
	if meta.NodeType != "" && meta.NodeType != "array" {
		return nil, fmt.Errorf("node type %q is not an array", meta.NodeType)
	}
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.ChunkShape()) {
		return nil, fmt.Errorf("invalid zarr metadata: shape %v, chunk_shape %v", meta.Shape, meta.ChunkShape())
	}
	for _, c := range meta.Codecs {
		switch c.Name {
		case "bytes", "zstd", "gzip":
		default:
			return nil, fmt.Errorf("unsupported codec %q", c.Name)
		}
	}
	return &meta, nil
}

// ReadFloat64 reads a whole float64 (or float32) array in C order.
func (r *Reader) ReadFloat64(name string) ([]float64, []int, error) {
	raw, meta, err := r.readArray(name)
	if err != nil {
		return nil, nil, err
	}
	n := product(meta.Shape)
	out := make([]float64, n)
	switch meta.DataType {
	case "float64":
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case "float32":
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	default:
		return nil, nil, fmt.Errorf("array %s: cannot read %s as float64", name, meta.DataType)
	}
	return out, meta.Shape, nil
}

// ReadFloat32 reads a whole float32 array in C order.
func (r *Reader) ReadFloat32(name string) ([]float32, []int, error) {
	raw, meta, err := r.readArray(name)
	if err != nil {
		return nil, nil, err
	}
	if meta.DataType != "float32" {
		return nil, nil, fmt.Errorf("array %s: cannot read %s as float32", name, meta.DataType)
	}
	out := make([]float32, product(meta.Shape))
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, meta.Shape, nil
}

// ReadInt32 reads a whole integer array in C order. Wider integer types are
// accepted when every value fits in an int32.
func (r *Reader) ReadInt32(name string) ([]int32, []int, error) {
	raw, meta, err := r.readArray(name)
	if err != nil {
		return nil, nil, err
	}
	out := make([]int32, product(meta.Shape))
	switch meta.DataType {
	case "int32":
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "uint32", "int64", "uint64":
		for i := range out {
			var v int64
			switch meta.DataType {
			case "uint32":
				v = int64(binary.LittleEndian.Uint32(raw[i*4:]))
			case "int64":
				v = int64(binary.LittleEndian.Uint64(raw[i*8:]))
			default:
				u := binary.LittleEndian.Uint64(raw[i*8:])
				if u > math.MaxInt32 {
					return nil, nil, fmt.Errorf("array %s: value %d at %d overflows int32", name, u, i)
				}
				v = int64(u)
			}
			if v < math.MinInt32 || v > math.MaxInt32 {
				return nil, nil, fmt.Errorf("array %s: value %d at %d overflows int32", name, v, i)
			}
			out[i] = int32(v)
		}
	default:
		return nil, nil, fmt.Errorf("array %s: cannot read %s as int32", name, meta.DataType)
	}
	return out, meta.Shape, nil
}

// readArray assembles every chunk of an array into one little-endian C-order buffer.
func (r *Reader) readArray(name string) ([]byte, *ArrayMeta, error) {
	meta, err := r.ArrayMeta(name)
	if err != nil {
		return nil, nil, err
	}
	size, err := zarrDTypeSize(meta.DataType)
	if err != nil {
		return nil, nil, fmt.Errorf("array %s: %w", name, err)
	}

	arrayPath := filepath.Join(r.basePath, name)
	shape, chunk := meta.Shape, meta.ChunkShape()
	ndim := len(shape)
	out := make([]byte, product(shape)*size)
	if len(out) == 0 {
		return out, meta, nil
	}

	grid := make([]int, ndim)
	for d := range shape {
		if chunk[d] <= 0 {
			return nil, nil, fmt.Errorf("array %s: invalid chunk shape at dim %d: %d", name, d, chunk[d])
		}
		grid[d] = ceilDiv(shape[d], chunk[d])
	}
	strides := cOrderStrides(shape)

	idx := make([]int, ndim)
	for {
		data, err := r.readChunkAt(arrayPath, meta, idx)
		if err != nil {
			return nil, nil, fmt.Errorf("array %s chunk %v: %w", name, idx, err)
		}
		actual, err := r.chunkShapeAt(meta, idx)
		if err != nil {
			return nil, nil, err
		}

		// Edge chunks are stored at full chunk size by conforming writers;
		// older writers truncate them to the array bounds.
		stored := chunk
		switch len(data) {
		case product(chunk) * size:
		case product(actual) * size:
			stored = actual
		default:
			return nil, nil, fmt.Errorf("array %s chunk %v: %d bytes, expected %d", name, idx, len(data), product(chunk)*size)
		}
		copyChunk(out, data, idx, chunk, actual, stored, strides, size)

		if !nextIndex(idx, grid) {
			break
		}
	}

	if bigEndian(meta) && size > 1 {
		swapBytes(out, size)
	}
	return out, meta, nil
}

// copyChunk copies the valid region of a decoded chunk into the array buffer,
// one innermost run at a time.
func copyChunk(out, data []byte, idx, chunk, actual, stored, strides []int, size int) {
	ndim := len(idx)
	inner := cOrderStrides(stored)
	run := actual[ndim-1] * size

	pos := make([]int, ndim)
	for {
		src, dst := 0, 0
		for d := 0; d < ndim; d++ {
			src += pos[d] * inner[d]
			dst += (idx[d]*chunk[d] + pos[d]) * strides[d]
		}
		copy(out[dst*size:dst*size+run], data[src*size:src*size+run])

		if ndim == 1 || !nextIndex(pos[:ndim-1], actual[:ndim-1]) {
			return
		}
	}
}

// nextIndex advances a C-order multi-index within bounds and reports whether
// one was left.
func nextIndex(idx, bounds []int) bool {
	for d := len(idx) - 1; d >= 0; d-- {
		idx[d]++
		if idx[d] < bounds[d] {
			return true
		}
		idx[d] = 0
	}
	return false
}

func cOrderStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for d := len(shape) - 1; d >= 0; d-- {
		strides[d] = s
		s *= shape[d]
	}
	return strides
}

func bigEndian(meta *ArrayMeta) bool {
	for _, c := range meta.Codecs {
		if c.Name == "bytes" {
			if e, ok := c.Configuration["endian"].(string); ok && e == "big" {
				return true
			}
		}
	}
	return false
}

func swapBytes(buf []byte, size int) {
	for i := 0; i+size <= len(buf); i += size {
		for a, b := i, i+size-1; a < b; a, b = a+1, b-1 {
			buf[a], buf[b] = buf[b], buf[a]
		}
	}
}

// readChunk reads a chunk and undoes the compression codecs in reverse order.
func (r *Reader) readChunk(arrayPath string, meta *ArrayMeta, chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	chunkPath := filepath.Join(arrayPath, "c", chunkKey)

	data, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}

	for i := len(meta.Codecs) - 1; i >= 0; i-- {
		switch meta.Codecs[i].Name {
		case "zstd":
			data, err = r.decoder.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			data, err = gunzip(data)
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		}
	}
	return data, nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func (r *Reader) chunkShapeAt(meta *ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}

	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkShape()[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		if remaining := meta.Shape[d] - start; remaining < chunkLen {
			chunkLen = remaining
		}
		actual[d] = chunkLen
	}
	return actual, nil
}

func zarrDTypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "int64", "uint64":
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
	}
}

// zarrFillValueBytes encodes the fill value of an array as one little-endian element.
func zarrFillValueBytes(meta *ArrayMeta) ([]byte, error) {
	size, err := zarrDTypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)

	// Default fill to 0 if unspecified.
	if meta.FillValue == nil {
		return out, nil
	}

	var v float64
	switch t := meta.FillValue.(type) {
	case float64:
		v = t
	case string:
		switch t {
		case "NaN":
			v = math.NaN()
		case "Infinity":
			v = math.Inf(1)
		case "-Infinity":
			v = math.Inf(-1)
		default:
			return nil, fmt.Errorf("unsupported fill_value %q", t)
		}
	default:
		return nil, fmt.Errorf("unsupported fill_value type for %s: %T", meta.DataType, meta.FillValue)
	}

	switch meta.DataType {
	case "float32":
		binary.LittleEndian.PutUint32(out, math.Float32bits(float32(v)))
	case "float64":
		binary.LittleEndian.PutUint64(out, math.Float64bits(v))
	case "int32", "uint32":
		binary.LittleEndian.PutUint32(out, uint32(int64(v)))
	case "int64", "uint64":
		binary.LittleEndian.PutUint64(out, uint64(int64(v)))
	}
	return out, nil
}

func repeatFillBytes(fill []byte, n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, len(fill)*n)
	// Fast path: fill is all zeros; make() already zero-initializes.
	for _, b := range fill {
		if b != 0 {
			for i := 0; i < n; i++ {
				copy(out[i*len(fill):], fill)
			}
			break
		}
	}
	return out
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

func (r *Reader) readChunkAt(arrayPath string, meta *ArrayMeta, chunkIndices []int) ([]byte, error) {
	key := encodeChunkKey(meta, chunkIndices)
	data, err := r.readChunk(arrayPath, meta, key)
	if err == nil {
		return data, nil
	}

	// If the chunk is not present on disk, it represents an all-fill-value chunk.
	if os.IsNotExist(err) {
		shape, shapeErr := r.chunkShapeAt(meta, chunkIndices)
		if shapeErr != nil {
			return nil, shapeErr
		}
		fillBytes, fillErr := zarrFillValueBytes(meta)
		if fillErr != nil {
			return nil, fillErr
		}
		if bigEndian(meta) {
			swapBytes(fillBytes, len(fillBytes))
		}
		return repeatFillBytes(fillBytes, product(shape)), nil
	}

	return nil, err
}

// Close releases resources.
func (r *Reader) Close() {
	if r.decoder != nil {
		r.decoder.Close()
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
