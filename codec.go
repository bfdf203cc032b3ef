package rail

// A WriteSession is an open streaming write to a backing file, sized up
// front for a known total extent. Chunks may be written at any [start,
// end) offset within that extent, which is what lets cooperating workers
// write disjoint sub-ranges of the same output. When the session is
// opened under a Collective, every rank holds its own session on the
// same path and only rank 0 seals the file; callers synchronize the
// group between the last chunk write and Finalize.
type WriteSession interface {
	WriteChunk(start, end int, data Payload) error // WriteChunk writes data into the [start, end) rows of the session
	Finalize() error                               // Finalize closes the session; calling it twice is an error, never silent corruption
}

// A ChunkIterator is a lazy, finite, one-pass sequence of chunks covering
// a data product's extent (or one worker's share of it).
type ChunkIterator interface {
	HasNext() bool
	NextChunk() (Chunk, Payload, error)
}

// IteratorOpts configure chunked iteration over a Handle or file.
type IteratorOpts struct {
	ChunkSize int // rows per chunk
	Rank      int // this worker's index within the cooperating run
	Size      int // total number of cooperating workers (1 for a solo run)
}

// A Codec persists one kind of Payload to a backing file format. The
// core requires whole-file read and write, a length probe that does not
// fully read the file, a streamed-write session, and chunked iteration.
// Codecs for input-only formats return an unsupported-operation error
// from the write-side methods.
type Codec interface {
	// Suffix returns the canonical file suffix for this format
	Suffix() string
	// Read reads the whole file at path
	Read(path string) (Payload, error)
	// Write writes data to path in one shot
	Write(path string, data Payload) error
	// Length returns the extent of the file at path without reading its body
	Length(path string) (int, error)
	// InitializeWrite opens a streaming write session sized for totalLength
	// rows; sample supplies the column structure of the eventual whole.
	// comm identifies this worker within a cooperating group sharing the
	// session's path, nil for a solo write.
	InitializeWrite(path string, sample Payload, totalLength int, comm Collective) (WriteSession, error)
	// Iterator streams the file at path in chunks
	Iterator(path string, opts IteratorOpts) (ChunkIterator, error)
	// CheckColumns verifies the named columns exist in the file at path
	CheckColumns(path string, columns []string) error
}
