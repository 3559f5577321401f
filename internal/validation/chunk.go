// Package validation checks incoming telemetry chunks and the tokens they
// are submitted with.
package validation

import (
	"fmt"
	"strings"

	"github.com/scratcha/scratcha/internal/config"
	"github.com/scratcha/scratcha/internal/transport"
)

// ChunkError describes why a chunk was rejected.
type ChunkError struct {
	Field   string
	Message string
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateChunk checks a chunk's bounds against the assembly limits.
// size is the encoded request body length.
func ValidateChunk(req *transport.ChunkRequest, size int64, limits config.AssemblyConfig) error {
	if strings.TrimSpace(req.ClientToken) == "" {
		return &ChunkError{Field: "client_token", Message: "is required"}
	}
	if req.TotalChunks < 1 {
		return &ChunkError{Field: "total_chunks", Message: "must be at least 1"}
	}
	if limits.MaxChunks > 0 && req.TotalChunks > limits.MaxChunks {
		return &ChunkError{Field: "total_chunks", Message: fmt.Sprintf("exceeds limit of %d", limits.MaxChunks)}
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		return &ChunkError{Field: "chunk_index", Message: fmt.Sprintf("must be in [0, %d)", req.TotalChunks)}
	}
	if len(req.Events) == 0 {
		return &ChunkError{Field: "events", Message: "must not be empty"}
	}
	if req.Meta == nil {
		return &ChunkError{Field: "meta", Message: "is required"}
	}
	if limits.MaxChunkBytes > 0 && size > limits.MaxChunkBytes {
		return &ChunkError{Field: "body", Message: fmt.Sprintf("%d bytes exceeds limit of %d", size, limits.MaxChunkBytes)}
	}
	return nil
}
