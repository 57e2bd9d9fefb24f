//go:build !unix

package safetensors

import (
	"errors"
	"os"
)

func mmapReadOnly(_ *os.File) ([]byte, error) {
	return nil, errors.New("mmap not supported on this platform")
}

func munmap([]byte) error { return nil }
