package courier

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/telemetrytv/trace"
)

var (
	codecDebug = trace.Bind("courier:codec")

	zstdEncoder, _ = zstd.NewWriter(nil)
)

// Split breaks payload into chunks of at most maxChunkSize bytes. The last
// chunk may be shorter. An empty payload yields a single empty chunk so every
// message has a chunk count of at least one. The returned chunks share memory
// with payload.
func Split(payload []byte, maxChunkSize int) ([][]byte, error) {
	if maxChunkSize < 1 {
		return nil, fmt.Errorf("courier: max chunk size must be positive, got %d", maxChunkSize)
	}
	if len(payload) == 0 {
		return [][]byte{{}}, nil
	}

	chunks := make([][]byte, 0, (len(payload)+maxChunkSize-1)/maxChunkSize)
	for offset := 0; offset < len(payload); offset += maxChunkSize {
		end := offset + maxChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[offset:end])
	}

	codecDebug.Tracef("Split %d bytes into %d chunks of up to %d bytes", len(payload), len(chunks), maxChunkSize)
	return chunks, nil
}

// Join concatenates chunks keyed by their 1-based index. Arrival order does
// not matter. It fails with ErrIncompleteMessage unless exactly the indexes
// 1..chunkCount are present.
func Join(chunks map[int][]byte, chunkCount int) ([]byte, error) {
	if len(chunks) != chunkCount {
		return nil, fmt.Errorf("%w: have %d of %d chunks", ErrIncompleteMessage, len(chunks), chunkCount)
	}

	size := 0
	for i := 1; i <= chunkCount; i++ {
		chunk, ok := chunks[i]
		if !ok {
			return nil, fmt.Errorf("%w: missing chunk %d of %d", ErrIncompleteMessage, i, chunkCount)
		}
		size += len(chunk)
	}

	payload := make([]byte, 0, size)
	for i := 1; i <= chunkCount; i++ {
		payload = append(payload, chunks[i]...)
	}

	codecDebug.Tracef("Joined %d chunks into %d bytes", chunkCount, len(payload))
	return payload, nil
}

func compress(payload []byte) []byte {
	return zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
}

// newDecoder returns a decoder that refuses to expand a payload beyond
// maxSize bytes.
func newDecoder(maxSize int) (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxSize)))
}

func decompress(decoder *zstd.Decoder, payload []byte) ([]byte, error) {
	return decoder.DecodeAll(payload, nil)
}
