//go:build linux

package data

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/PINTO0309/yolov9-qat/internal/tensor"
)

// FileLoader streams batches from a raw uint8 NCHW dataset file, memory
// mapped read-only. The file is a flat sequence of batches; a trailing
// partial batch is ignored.
type FileLoader struct {
	Shape [4]int

	data []byte
	pos  int
}

// OpenFileLoader maps the dataset at path with the given batch shape.
func OpenFileLoader(path string, shape [4]int) (*FileLoader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := int(stat.Size())
	if size < batchBytes(shape) {
		return nil, errShortFile
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("data: mmap %s: %w", path, err)
	}
	return &FileLoader{Shape: shape, data: data}, nil
}

func (l *FileLoader) Next() (*Batch, bool) {
	n := batchBytes(l.Shape)
	if l.pos+n > len(l.data) {
		return nil, false
	}
	raw := l.data[l.pos : l.pos+n]
	l.pos += n

	t := tensor.New(l.Shape[0], l.Shape[1], l.Shape[2], l.Shape[3])
	for i, b := range raw {
		t.Data[i] = float32(b)
	}
	return &Batch{Images: t}, true
}

func (l *FileLoader) Reset() { l.pos = 0 }

// Close unmaps the dataset.
func (l *FileLoader) Close() error {
	if l.data == nil {
		return nil
	}
	err := unix.Munmap(l.data)
	l.data = nil
	return err
}
