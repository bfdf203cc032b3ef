package rail

import (
	"github.com/sidratresearch/rail-base-sub000/errors"
)

// memoryIterator slices an already-materialized Payload into chunks.
type memoryIterator struct {
	data   Payload
	chunks []Chunk
	next   int
}

// CreateMemoryIterator returns a ChunkIterator over an in-memory Payload,
// covering this worker's share of the extent.
func CreateMemoryIterator(data Payload, opts IteratorOpts) ChunkIterator {
	size := opts.Size
	if size < 1 {
		size = 1
	}
	return &memoryIterator{
		data:   data,
		chunks: RankChunkRanges(data.NumRows(), opts.ChunkSize, opts.Rank, size),
	}
}

// CreateEmptyIterator returns a ChunkIterator which yields zero chunks
func CreateEmptyIterator() ChunkIterator {
	return &memoryIterator{}
}

// HasNext returns true iff there are chunks remaining
func (it *memoryIterator) HasNext() bool {
	return it.next < len(it.chunks)
}

// NextChunk returns the next chunk of the underlying Payload
func (it *memoryIterator) NextChunk() (Chunk, Payload, error) {
	if !it.HasNext() {
		return Chunk{}, nil, errors.NoMoreChunksError{}
	}
	c := it.chunks[it.next]
	it.next++
	slice, err := it.data.Slice(c.Start, c.End)
	if err != nil {
		return Chunk{}, nil, err
	}
	return c, slice, nil
}
