// Package stream exposes response bodies as a uniform sequence of byte chunks.
package stream

import (
	"errors"
	"io"
	"sync"
)

// DefaultChunkSize is the read buffer used by FromReader.
const DefaultChunkSize = 32 * 1024

// ChunkSource yields byte chunks until it returns io.EOF.
// Any other error ends the stream as well.
type ChunkSource interface {
	Next() ([]byte, error)
	Close() error
}

// ReaderSource adapts an io.Reader to ChunkSource.
type ReaderSource struct {
	r    io.Reader
	buf  []byte
	once sync.Once
	err  error
}

// FromReader wraps r. When r is an io.Closer, Close closes it.
func FromReader(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r, buf: make([]byte, DefaultChunkSize)}
}

// Next returns the next non-empty chunk. The returned slice is only valid
// until the following call.
func (s *ReaderSource) Next() ([]byte, error) {
	for {
		n, err := s.r.Read(s.buf)
		if n > 0 {
			// Hand back what was read now; a trailing error resurfaces on the next call.
			return s.buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close releases the underlying reader once.
func (s *ReaderSource) Close() error {
	s.once.Do(func() {
		if c, ok := s.r.(io.Closer); ok {
			s.err = c.Close()
		}
	})
	return s.err
}

// Drain copies every remaining chunk to w.
func Drain(w io.Writer, src ChunkSource) error {
	for {
		chunk, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(chunk); err != nil {
			return err
		}
	}
}
