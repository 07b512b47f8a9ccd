// Package chunk partitions page sequences into bounded, contiguous batches.
package chunk

import (
	"fmt"

	"github.com/spherical/pdf-ocr/internal/domain"
)

// Count returns ceil(n/size), the number of chunks Plan produces.
func Count(n, size int) int {
	if n <= 0 || size < 1 {
		return 0
	}
	return (n + size - 1) / size
}

// Plan splits n pages into contiguous chunks of at most size pages.
// All chunks but the last hold exactly size pages; n == 0 yields no chunks.
func Plan(n, size int) ([]domain.Chunk, error) {
	if size < 1 {
		return nil, domain.ConfigError(fmt.Sprintf("chunk size must be at least 1, got %d", size), nil)
	}
	if n < 0 {
		return nil, domain.ValidationError(fmt.Sprintf("page count cannot be negative, got %d", n), nil)
	}

	chunks := make([]domain.Chunk, 0, Count(n, size))
	for start := 0; start < n; start += size {
		chunks = append(chunks, domain.Chunk{
			Index: len(chunks),
			Start: start,
			End:   min(start+size, n),
		})
	}
	return chunks, nil
}

// Split slices items along the chunks Plan would produce for len(items).
// The returned sub-slices share the backing array of items.
func Split[T any](items []T, size int) ([][]T, error) {
	chunks, err := Plan(len(items), size)
	if err != nil {
		return nil, err
	}

	out := make([][]T, len(chunks))
	for i, c := range chunks {
		out[i] = items[c.Start:c.End:c.End]
	}
	return out, nil
}
