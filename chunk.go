package rail

// A Chunk is a half-open [Start, End) sub-range of a data product's
// extent, processed as one unit of streaming work.
type Chunk struct {
	Start int
	End   int
}

// Len returns the number of rows covered by this Chunk
func (c Chunk) Len() int {
	return c.End - c.Start
}

// ChunkRanges splits [0, n) into consecutive chunks of at most chunkSize
// rows. The union of the returned chunks exactly covers [0, n).
func ChunkRanges(n, chunkSize int) []Chunk {
	if n <= 0 || chunkSize <= 0 {
		return nil
	}
	chunks := make([]Chunk, 0, (n+chunkSize-1)/chunkSize)
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		chunks = append(chunks, Chunk{Start: start, End: end})
	}
	return chunks
}

// RankChunkRanges returns the subset of ChunkRanges(n, chunkSize)
// assigned to one worker. Chunks are dealt round-robin by index, so the
// union across all ranks of a cooperating run exactly partitions [0, n)
// with no overlaps and no gaps.
func RankChunkRanges(n, chunkSize, rank, size int) []Chunk {
	if size < 1 {
		size = 1
	}
	all := ChunkRanges(n, chunkSize)
	if size == 1 {
		return all
	}
	mine := make([]Chunk, 0, len(all)/size+1)
	for i, c := range all {
		if i%size == rank {
			mine = append(mine, c)
		}
	}
	return mine
}
