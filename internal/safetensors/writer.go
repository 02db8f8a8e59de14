package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/gqa/internal/tensor"
)

// Write stores tensors at path, encoding every payload as dtype. Tensors are
// laid out in name order and the header is padded with spaces to an 8-byte
// boundary. The file is written to a temporary name and renamed into place.
func Write(path string, tensors map[string]*tensor.Tensor, dtype tensor.DType, metadata map[string]string) error {
	if len(tensors) == 0 {
		return fmt.Errorf("safetensors: nothing to write")
	}
	names := slices.Sorted(maps.Keys(tensors))

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	payloads := make([][]byte, len(names))
	var off int64
	for i, name := range names {
		t := tensors[name]
		if t == nil {
			return fmt.Errorf("safetensors: tensor %s is nil", name)
		}
		payloads[i] = dtype.Encode(t.Data)
		end := off + int64(len(payloads[i]))
		header[name] = tensorHeader{
			DType:       dtype.SafetensorsName(),
			Shape:       t.Shape,
			DataOffsets: []int64{off, end},
		}
		off = end
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: marshal header: %w", err)
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		for range 8 - pad {
			headerBytes = append(headerBytes, ' ')
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.safetensors")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := bufio.NewWriter(tmp)
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		_ = tmp.Close()
		return err
	}
	for _, p := range payloads {
		if _, err := w.Write(p); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
