//go:build !unix

package mmap

import (
	"io"
	"os"
)

// osMap reads the file into memory where mmap is unavailable.
func osMap(f *os.File, size int) ([]byte, func([]byte) error, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, int64(size)), data); err != nil {
		return nil, nil, err
	}
	return data, nil, nil
}
