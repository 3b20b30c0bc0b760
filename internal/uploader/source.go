package uploader

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Source is the local file being uploaded. ReaderAt lets concurrent workers
// read disjoint chunk ranges without coordinating a shared offset.
type Source interface {
	io.ReaderAt
	Size() int64
	Name() string
	ContentType() string
}

type bytesSource struct {
	*bytes.Reader
	name        string
	contentType string
}

// NewBytesSource wraps an in-memory byte slice as a Source.
func NewBytesSource(name, contentType string, data []byte) Source {
	return &bytesSource{
		Reader:      bytes.NewReader(data),
		name:        name,
		contentType: contentType,
	}
}

func (s *bytesSource) Size() int64         { return s.Reader.Size() }
func (s *bytesSource) Name() string        { return s.name }
func (s *bytesSource) ContentType() string { return s.contentType }

// FileSource reads chunks from a file on disk. Close releases the file
// handle once the session is finished with it.
type FileSource struct {
	f             *os.File
	size          int64
	name          string
	contentType   string
	removeOnClose bool
}

// OpenFile opens path as an upload Source.
func OpenFile(path, contentType string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat source: %w", err)
	}
	return &FileSource{
		f:           f,
		size:        info.Size(),
		name:        filepath.Base(path),
		contentType: contentType,
	}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *FileSource) Size() int64                             { return s.size }
func (s *FileSource) Name() string                            { return s.name }
func (s *FileSource) ContentType() string                     { return s.contentType }

// Close releases the file handle and, for spooled temp files, removes the
// file from disk.
func (s *FileSource) Close() error {
	err := s.f.Close()
	if s.removeOnClose {
		if rmErr := os.Remove(s.f.Name()); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// SetName overrides the name reported for the source, used when the upload
// came in over HTTP with a client-provided filename.
func (s *FileSource) SetName(name string) { s.name = name }

// RemoveOnClose marks the backing file for deletion when the source is
// closed. Spooled HTTP uploads use it so temp files do not pile up.
func (s *FileSource) RemoveOnClose() { s.removeOnClose = true }
