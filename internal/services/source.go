package services

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// Source is a readable content handle handed in by whatever picked the file
// (HTTP upload, inbox watcher, CLI).
type Source interface {
	Name() string
	Open() (io.ReadCloser, error)
}

// FileSource reads from a path on disk.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return filepath.Base(s.Path) }

func (s FileSource) Open() (io.ReadCloser, error) { return os.Open(s.Path) }

// ReaderSource serves content already held in memory.
type ReaderSource struct {
	Filename string
	Data     []byte
}

func (s ReaderSource) Name() string { return s.Filename }

func (s ReaderSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.Data)), nil
}
