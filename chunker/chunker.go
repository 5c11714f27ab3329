// Package chunker partitions file contents into transfer chunks.
package chunker

import (
	"fmt"

	"gitlab.lrz.de/protocol-design-sose-2022-team-0/ruft/messages"
)

// Count returns the number of chunks needed for size bytes, rounding up.
func Count(size int, chunkSize int) int {
	return (size + chunkSize - 1) / chunkSize
}

// Split cuts data into chunks of chunkSize bytes in ascending sequence
// order. The last chunk holds the remainder. Empty data yields no chunks.
// Payloads alias data.
func Split(data []byte, transferID uint32, chunkSize int) ([]messages.Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	n := Count(len(data), chunkSize)
	if uint64(n) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%d chunks do not fit a 32 bit sequence number", n)
	}

	chunks := make([]messages.Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, messages.Chunk{
			TransferID: transferID,
			Sequence:   uint32(i),
			Total:      uint32(n),
			Payload:    data[start:end:end],
		})
	}
	return chunks, nil
}
