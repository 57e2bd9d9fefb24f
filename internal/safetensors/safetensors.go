package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
)

// maxHeaderSize bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderSize = 100 << 20

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Size returns the byte length of the tensor payload.
func (t TensorInfo) Size() int64 {
	return t.End - t.Start
}

// File is a single safetensors container. Tensor payloads are served from a
// read-only memory mapping when the platform supports it and from ReadAt
// otherwise.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	fh     *os.File
	data   []byte
	mapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sf, err := parse(fh, path)
	if err != nil {
		_ = fh.Close()
		return nil, err
	}
	if data, err := mmapReadOnly(fh); err == nil && len(data) > 0 {
		sf.data = data
		sf.mapped = true
	}
	return sf, nil
}

func parse(fh *os.File, path string) (*File, error) {
	headerLen, err := readU64(fh)
	if err != nil {
		return nil, fmt.Errorf("safetensors %s: read header length: %w", path, err)
	}
	if headerLen == 0 || headerLen > maxHeaderSize {
		return nil, fmt.Errorf("safetensors %s: invalid header length %d", path, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(fh, headerBytes); err != nil {
		return nil, fmt.Errorf("safetensors %s: read header: %w", path, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("safetensors %s: parse header: %w", path, err)
	}

	var meta map[string]string
	if m, ok := raw["__metadata__"]; ok {
		_ = json.Unmarshal(m, &meta)
		delete(raw, "__metadata__")
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  meta,
		fh:        fh,
	}, nil
}

// Close releases the mapping and the file handle.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	var err error
	if f.mapped {
		err = munmap(f.data)
		f.data = nil
		f.mapped = false
	}
	if f.fh != nil {
		if cerr := f.fh.Close(); err == nil {
			err = cerr
		}
		f.fh = nil
	}
	return err
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw payload of a tensor. When the file is mapped the
// returned slice aliases the mapping and must not be modified.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	if t.End < t.Start || t.Start < 0 {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid offsets", name)
	}
	off := f.DataStart + t.Start
	n := t.Size()

	if f.mapped {
		if off+n > int64(len(f.data)) {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: payload exceeds file size", name)
		}
		return f.data[off : off+n], t, nil
	}
	if f.fh == nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: file is closed", name)
	}
	buf := make([]byte, n)
	if _, err := f.fh.ReadAt(buf, off); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 decodes a floating point tensor into a freshly allocated
// float32 slice.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	out, err := decodeF32(raw, info.DType, n)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > math.MaxInt/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
