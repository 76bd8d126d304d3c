package chunkuploader

import (
	"fmt"
	"io"
	"os"
)

// FileChunkProvider reads offset addressed chunks from a file on disk.
type FileChunkProvider struct {
	file      *os.File
	size      int64
	chunkSize int64
}

// NewFileChunkProvider opens path for chunked reads of at most chunkSize bytes.
// size is the number of bytes the upload session was declared with.
func NewFileChunkProvider(path string, size, chunkSize int64) (*FileChunkProvider, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &FileChunkProvider{
		file:      file,
		size:      size,
		chunkSize: chunkSize,
	}, nil
}

// ChunkSize returns the size of the chunk starting at offset.
func (p *FileChunkProvider) ChunkSize(offset int64) int64 {
	remaining := p.size - offset
	if remaining < p.chunkSize {
		return remaining
	}
	return p.chunkSize
}

// ChunkAt reads the chunk starting at offset.
// The data is read into memory so it can be sent as a single request body.
func (p *FileChunkProvider) ChunkAt(offset int64) ([]byte, error) {
	if offset < 0 || offset >= p.size {
		return nil, fmt.Errorf("offset %d out of range [0, %d)", offset, p.size)
	}

	chunk := make([]byte, p.ChunkSize(offset))
	n, err := p.file.ReadAt(chunk, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read chunk at offset %d: %w", offset, err)
	}

	if n == 0 {
		return nil, fmt.Errorf("unexpected end of file at offset %d", offset)
	}

	return chunk[:n], nil
}

// Close closes the underlying file.
func (p *FileChunkProvider) Close() error {
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
