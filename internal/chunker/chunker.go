package chunker

import (
	"errors"
	"fmt"
	"io"
)

// MaxChunkSize keeps a base64-encoded chunk frame under the channel's frame
// limit.
const MaxChunkSize = 8 * 1024 * 1024

// Chunk is one contiguous slice of the source file.
type Chunk struct {
	Offset  uint64
	Payload []byte
}

// End returns the offset just past the chunk.
func (c Chunk) End() uint64 {
	return c.Offset + uint64(len(c.Payload))
}

// Source partitions a file into fixed-size chunks starting at any offset.
// Reads go through ReadAt, so resuming at an offset never re-reads the
// bytes before it.
type Source struct {
	r         io.ReaderAt
	size      uint64
	chunkSize int
	buf       []byte
}

// NewSource creates a Source over r, which holds size bytes.
func NewSource(r io.ReaderAt, size int64, chunkSize int) (*Source, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid file size: %d", size)
	}
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("invalid chunk size: %d (must be between 1 and %d)", chunkSize, MaxChunkSize)
	}
	return &Source{
		r:         r,
		size:      uint64(size),
		chunkSize: chunkSize,
		buf:       make([]byte, chunkSize),
	}, nil
}

// Size returns the total number of bytes in the source.
func (s *Source) Size() uint64 {
	return s.size
}

// ChunkSize returns the configured chunk size.
func (s *Source) ChunkSize() int {
	return s.chunkSize
}

// Next reads the chunk starting at offset. It returns io.EOF once offset
// reaches the end of the file. The returned payload is only valid until the
// next call.
func (s *Source) Next(offset uint64) (Chunk, error) {
	if offset >= s.size {
		return Chunk{}, io.EOF
	}

	n := uint64(s.chunkSize)
	if remaining := s.size - offset; remaining < n {
		n = remaining
	}

	read, err := s.r.ReadAt(s.buf[:n], int64(offset))
	if err != nil && !(errors.Is(err, io.EOF) && uint64(read) == n) {
		if errors.Is(err, io.EOF) {
			return Chunk{}, fmt.Errorf("source shrank at offset %d: %w", offset+uint64(read), io.ErrUnexpectedEOF)
		}
		return Chunk{}, err
	}

	return Chunk{Offset: offset, Payload: s.buf[:n]}, nil
}

// SuggestChunkSize picks a chunk size for a file when none is configured.
func SuggestChunkSize(fileSize int64) int {
	switch {
	case fileSize <= 1*1024*1024:
		return 256 * 1024
	case fileSize <= 10*1024*1024:
		return 512 * 1024
	case fileSize <= 100*1024*1024:
		return 1 * 1024 * 1024
	case fileSize <= 1024*1024*1024:
		return 4 * 1024 * 1024
	default:
		return 8 * 1024 * 1024
	}
}
