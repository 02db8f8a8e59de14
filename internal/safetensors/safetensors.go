// Package safetensors reads and writes the safetensors container format: an
// 8-byte little-endian header length, a JSON header mapping tensor names to
// dtype, shape and byte offsets, then the concatenated tensor payloads.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/gqa/internal/tensor"
)

const metadataKey = "__metadata__"

// maxHeaderLen bounds the JSON header; real files stay far below it.
const maxHeaderLen = 100 << 20

var ErrTensorNotFound = errors.New("tensor not found")

// TensorInfo locates one tensor. Start and End are relative to DataStart.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Len is the payload size in bytes.
func (t TensorInfo) Len() int64 { return t.End - t.Start }

// File is a parsed header. Payloads are read from Path on demand.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header of the file at path and checks every tensor's
// offsets against the payload size.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	headerLen, raw, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("safetensors %s: %w", path, err)
	}
	out := &File{
		Path:      path,
		DataStart: 8 + int64(headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	payload := st.Size() - out.DataStart
	if err := out.index(raw, payload); err != nil {
		return nil, fmt.Errorf("safetensors %s: %w", path, err)
	}
	return out, nil
}

func readHeader(r io.Reader) (uint64, map[string]json.RawMessage, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read header length: %w", err)
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n > maxHeaderLen {
		return 0, nil, fmt.Errorf("header length %d exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, nil, fmt.Errorf("parse header: %w", err)
	}
	return n, raw, nil
}

func (f *File) index(raw map[string]json.RawMessage, payload int64) error {
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &f.Metadata); err != nil {
				return fmt.Errorf("parse %s: %w", metadataKey, err)
			}
			continue
		}
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return fmt.Errorf("tensor %s: data_offsets needs 2 entries, got %d", name, len(th.DataOffsets))
		}
		info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if info.Start < 0 || info.End < info.Start || info.End > payload {
			return fmt.Errorf("tensor %s: offsets [%d, %d) outside payload of %d bytes", name, info.Start, info.End, payload)
		}
		f.Tensors[name] = info
	}
	return nil
}

// Names lists the stored tensors in sorted order.
func (f *File) Names() []string {
	return slices.Sorted(maps.Keys(f.Tensors))
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw payload bytes of name.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	buf := make([]byte, info.Len())
	section := io.NewSectionReader(file, f.DataStart+info.Start, info.Len())
	if _, err := io.ReadFull(section, buf); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, info, nil
}

// ReadTensorF32 decodes a tensor's payload into float32 values.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	dt, ok := tensor.DTypeFromSafetensors(info.DType)
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if want := n * dt.ElemSize(); len(raw) != want {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %s payload is %d bytes, shape %v needs %d", name, info.DType, len(raw), info.Shape, want)
	}
	out, err := dt.Decode(raw)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// Load reads a tensor with its stored shape and dtype.
func (f *File) Load(name string) (*tensor.Tensor, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	t, err := tensor.FromData(info.Shape, data)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	t.DType, _ = tensor.DTypeFromSafetensors(info.DType)
	return t, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errors.New("scalar tensors are not supported")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("dimension %d must be positive", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("shape %v overflows int", shape)
		}
		n *= d
	}
	return n, nil
}
