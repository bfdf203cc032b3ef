// Package tablefile implements the canonical on-disk format for column
// tables: a self-describing header, a column-major fixed-width float64
// body, and a checksummed footer. Because every cell's offset is
// computable from the header alone, cooperating workers can write
// disjoint [start, end) row ranges of the same file, and readers can
// stream any sub-range without touching the rest of the body.
package tablefile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	xxhash "github.com/cespare/xxhash/v2"
	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/errors"
)

const (
	magic   = "RBTF"
	version = uint32(1)
)

// Codec reads and writes Table payloads in the tablefile format
type Codec struct{}

// CreateCodec returns a tablefile Codec
func CreateCodec() *Codec {
	return &Codec{}
}

// Suffix returns the canonical file suffix for this format
func (c *Codec) Suffix() string { return "rbt" }

type header struct {
	nrows int
	names []string
	raw   []byte // encoded header bytes, hashed into the footer
}

func (h *header) size() int {
	return len(h.raw)
}

func (h *header) bodySize() int {
	return len(h.names) * h.nrows * 8
}

func (h *header) columnOffset(i, row int) int64 {
	return int64(h.size() + i*h.nrows*8 + row*8)
}

func encodeHeader(names []string, nrows int) *header {
	var buf bytes.Buffer
	buf.WriteString(magic)
	binary.Write(&buf, binary.LittleEndian, version)
	binary.Write(&buf, binary.LittleEndian, uint64(nrows))
	binary.Write(&buf, binary.LittleEndian, uint32(len(names)))
	for _, name := range names {
		binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
		buf.WriteString(name)
	}
	return &header{nrows: nrows, names: names, raw: buf.Bytes()}
}

func decodeHeader(r io.Reader, path string) (*header, error) {
	var raw bytes.Buffer
	tee := io.TeeReader(r, &raw)
	m := make([]byte, 4)
	if _, err := io.ReadFull(tee, m); err != nil {
		return nil, err
	}
	if string(m) != magic {
		return nil, errors.CorruptFileError{Path: path, Reason: "bad magic"}
	}
	var v uint32
	if err := binary.Read(tee, binary.LittleEndian, &v); err != nil {
		return nil, err
	}
	if v != version {
		return nil, errors.CorruptFileError{Path: path, Reason: fmt.Sprintf("unsupported version %d", v)}
	}
	var nrows uint64
	if err := binary.Read(tee, binary.LittleEndian, &nrows); err != nil {
		return nil, err
	}
	var ncols uint32
	if err := binary.Read(tee, binary.LittleEndian, &ncols); err != nil {
		return nil, err
	}
	names := make([]string, ncols)
	for i := range names {
		var nameLen uint32
		if err := binary.Read(tee, binary.LittleEndian, &nameLen); err != nil {
			return nil, err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(tee, name); err != nil {
			return nil, err
		}
		names[i] = string(name)
	}
	return &header{nrows: int(nrows), names: names, raw: raw.Bytes()}, nil
}

// checkFooter verifies that the footer checksum matches the header, which
// distinguishes a finalized file from a truncated or abandoned session.
func checkFooter(f *os.File, h *header, path string) error {
	footer := make([]byte, 8)
	if _, err := f.ReadAt(footer, int64(h.size()+h.bodySize())); err != nil {
		return errors.CorruptFileError{Path: path, Reason: "missing footer (unfinalized write?)"}
	}
	if binary.LittleEndian.Uint64(footer) != xxhash.Sum64(h.raw) {
		return errors.CorruptFileError{Path: path, Reason: "footer checksum mismatch"}
	}
	return nil
}

func asTable(data rail.Payload) (*rail.Table, error) {
	t, ok := data.(*rail.Table)
	if !ok {
		return nil, fmt.Errorf("tablefile codec requires a *rail.Table, got %T", data)
	}
	return t, nil
}

// Read reads the whole file at path into a Table
func (c *Codec) Read(path string) (rail.Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, err := decodeHeader(f, path)
	if err != nil {
		return nil, err
	}
	if err := checkFooter(f, h, path); err != nil {
		return nil, err
	}
	out := rail.CreateTable()
	for _, name := range h.names {
		vals := make([]float64, h.nrows)
		if err := binary.Read(f, binary.LittleEndian, vals); err != nil {
			return nil, err
		}
		out.SetColumn(name, vals)
	}
	return out, nil
}

// Write writes a Table to path in one shot
func (c *Codec) Write(path string, data rail.Payload) error {
	t, err := asTable(data)
	if err != nil {
		return err
	}
	session, err := c.InitializeWrite(path, t, t.NumRows(), nil)
	if err != nil {
		return err
	}
	if err := session.WriteChunk(0, t.NumRows(), t); err != nil {
		session.Finalize()
		return err
	}
	return session.Finalize()
}

// Length returns the row count recorded in the header, without reading
// the file body
func (c *Codec) Length(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h, err := decodeHeader(f, path)
	if err != nil {
		return 0, err
	}
	return h.nrows, nil
}

// CheckColumns verifies the named columns exist, reading only the header
func (c *Codec) CheckColumns(path string, columns []string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h, err := decodeHeader(f, path)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(h.names))
	for _, name := range h.names {
		present[name] = true
	}
	var missing []string
	for _, name := range columns {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.MissingColumnsError{Path: path, Columns: missing}
	}
	return nil
}

// writeSession is an open streaming write to a tablefile
type writeSession struct {
	f         *os.File
	h         *header
	path      string
	root      bool
	finalized bool
}

// InitializeWrite opens a write session on path, writes the header, and
// reserves the full body so chunk writes can land at computed offsets.
// Every member of a cooperating group opens the same path with the same
// header and reserved size, so the operations are idempotent and the
// open order across ranks does not matter: the file is never truncated
// below its reserved size once any rank has opened it.
func (c *Codec) InitializeWrite(path string, sample rail.Payload, totalLength int, comm rail.Collective) (rail.WriteSession, error) {
	t, err := asTable(sample)
	if err != nil {
		return nil, err
	}
	h := encodeHeader(t.ColumnNames(), totalLength)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteAt(h.raw, 0); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(int64(h.size() + h.bodySize())); err != nil {
		f.Close()
		return nil, err
	}
	root := comm == nil || comm.Rank() == 0
	return &writeSession{f: f, h: h, path: path, root: root}, nil
}

// WriteChunk writes the [start, end) rows of every column at their
// computed offsets
func (s *writeSession) WriteChunk(start, end int, data rail.Payload) error {
	if s.finalized {
		return errors.SessionFinalizedError{Path: s.path}
	}
	t, err := asTable(data)
	if err != nil {
		return err
	}
	if start < 0 || end < start || end > s.h.nrows {
		return fmt.Errorf("chunk [%d, %d) is out of range for %d reserved rows", start, end, s.h.nrows)
	}
	if err := t.HasColumns(s.h.names...); err != nil {
		return err
	}
	for i, name := range s.h.names {
		vals, err := t.Column(name)
		if err != nil {
			return err
		}
		if len(vals) != end-start {
			return fmt.Errorf("column %s has %d values for chunk [%d, %d)", name, len(vals), start, end)
		}
		buf := make([]byte, 8*len(vals))
		for j, v := range vals {
			binary.LittleEndian.PutUint64(buf[j*8:], math.Float64bits(v))
		}
		if _, err := s.f.WriteAt(buf, s.h.columnOffset(i, start)); err != nil {
			return err
		}
	}
	return nil
}

// Finalize closes the session. Rank 0 appends the footer checksum that
// marks the file complete; other ranks only close their descriptor.
func (s *writeSession) Finalize() error {
	if s.finalized {
		return errors.SessionFinalizedError{Path: s.path}
	}
	s.finalized = true
	if !s.root {
		return s.f.Close()
	}
	footer := make([]byte, 8)
	binary.LittleEndian.PutUint64(footer, xxhash.Sum64(s.h.raw))
	if _, err := s.f.WriteAt(footer, int64(s.h.size()+s.h.bodySize())); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// chunkIterator streams one worker's chunks from a tablefile
type chunkIterator struct {
	f      *os.File
	h      *header
	chunks []rail.Chunk
	next   int
}

// Iterator streams the file at path in chunks, covering this worker's
// share of the extent
func (c *Codec) Iterator(path string, opts rail.IteratorOpts) (rail.ChunkIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	h, err := decodeHeader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := checkFooter(f, h, path); err != nil {
		f.Close()
		return nil, err
	}
	size := opts.Size
	if size < 1 {
		size = 1
	}
	chunks := rail.RankChunkRanges(h.nrows, opts.ChunkSize, opts.Rank, size)
	if len(chunks) == 0 {
		f.Close()
	}
	return &chunkIterator{f: f, h: h, chunks: chunks}, nil
}

// HasNext returns true iff there are chunks remaining
func (it *chunkIterator) HasNext() bool {
	return it.next < len(it.chunks)
}

// NextChunk reads and returns the next chunk, closing the file after the
// last one
func (it *chunkIterator) NextChunk() (rail.Chunk, rail.Payload, error) {
	if !it.HasNext() {
		return rail.Chunk{}, nil, errors.NoMoreChunksError{}
	}
	chunk := it.chunks[it.next]
	it.next++
	out := rail.CreateTable()
	for i, name := range it.h.names {
		buf := make([]byte, 8*chunk.Len())
		if _, err := it.f.ReadAt(buf, it.h.columnOffset(i, chunk.Start)); err != nil {
			it.f.Close()
			return rail.Chunk{}, nil, err
		}
		vals := make([]float64, chunk.Len())
		for j := range vals {
			vals[j] = math.Float64frombits(binary.LittleEndian.Uint64(buf[j*8:]))
		}
		out.SetColumn(name, vals)
	}
	if !it.HasNext() {
		it.f.Close()
	}
	return chunk, out, nil
}
