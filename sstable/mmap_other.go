//go:build !unix

package sstable

import (
	"io"
	"os"
)

// mmapFile falls back to reading the whole file into memory on
// platforms without unix mmap.
func mmapFile(f *os.File, size int64) ([]byte, func() error, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, size), data); err != nil {
		return nil, nil, err
	}
	return data, func() error { return nil }, nil
}
