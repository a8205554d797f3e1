//go:build !linux

package data

import "fmt"

// FileLoader is only available on linux, where datasets are memory mapped.
type FileLoader struct {
	Shape [4]int
}

// OpenFileLoader is unsupported on this platform.
func OpenFileLoader(path string, shape [4]int) (*FileLoader, error) {
	return nil, fmt.Errorf("data: memory-mapped dataset files require linux")
}

func (l *FileLoader) Next() (*Batch, bool) { return nil, false }

func (l *FileLoader) Reset() {}

// Close is a no-op on this platform.
func (l *FileLoader) Close() error { return nil }
