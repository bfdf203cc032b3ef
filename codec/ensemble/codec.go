package ensemble

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
	magic   = "RBEN"
	version = uint32(1)
)

// Codec reads and writes Ensemble payloads. The member block is row-major
// (one member's grid values are contiguous), so a [start, end) member
// range is one computable span; ancillary columns follow, column-major.
type Codec struct{}

// CreateCodec returns an ensemble Codec
func CreateCodec() *Codec {
	return &Codec{}
}

// Suffix returns the canonical file suffix for this format
func (c *Codec) Suffix() string { return "rbe" }

type header struct {
	npdf       int
	grid       []float64
	ancilNames []string
	raw        []byte
}

func (h *header) size() int { return len(h.raw) }

func (h *header) pdfOffset(row int) int64 {
	return int64(h.size() + row*len(h.grid)*8)
}

func (h *header) ancilOffset(i, row int) int64 {
	pdfBlock := h.npdf * len(h.grid) * 8
	return int64(h.size()+pdfBlock) + int64(i*h.npdf*8+row*8)
}

func (h *header) bodySize() int {
	return h.npdf*len(h.grid)*8 + len(h.ancilNames)*h.npdf*8
}

func encodeHeader(grid []float64, ancilNames []string, npdf int) *header {
	var buf bytes.Buffer
	buf.WriteString(magic)
	binary.Write(&buf, binary.LittleEndian, version)
	binary.Write(&buf, binary.LittleEndian, uint64(npdf))
	binary.Write(&buf, binary.LittleEndian, uint32(len(grid)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(ancilNames)))
	binary.Write(&buf, binary.LittleEndian, grid)
	for _, name := range ancilNames {
		binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
		buf.WriteString(name)
	}
	return &header{npdf: npdf, grid: grid, ancilNames: ancilNames, raw: buf.Bytes()}
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
	var npdf uint64
	var ngrid, nancil uint32
	if err := binary.Read(tee, binary.LittleEndian, &npdf); err != nil {
		return nil, err
	}
	if err := binary.Read(tee, binary.LittleEndian, &ngrid); err != nil {
		return nil, err
	}
	if err := binary.Read(tee, binary.LittleEndian, &nancil); err != nil {
		return nil, err
	}
	grid := make([]float64, ngrid)
	if err := binary.Read(tee, binary.LittleEndian, grid); err != nil {
		return nil, err
	}
	names := make([]string, nancil)
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
	return &header{npdf: int(npdf), grid: grid, ancilNames: names, raw: raw.Bytes()}, nil
}

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

func asEnsemble(data rail.Payload) (*Ensemble, error) {
	e, ok := data.(*Ensemble)
	if !ok {
		return nil, fmt.Errorf("ensemble codec requires an *ensemble.Ensemble, got %T", data)
	}
	return e, nil
}

func readMembers(f *os.File, h *header, chunk rail.Chunk) (*Ensemble, error) {
	buf := make([]byte, chunk.Len()*len(h.grid)*8)
	if _, err := f.ReadAt(buf, h.pdfOffset(chunk.Start)); err != nil {
		return nil, err
	}
	vals := make([][]float64, chunk.Len())
	for row := range vals {
		vals[row] = make([]float64, len(h.grid))
		for j := range vals[row] {
			bits := binary.LittleEndian.Uint64(buf[(row*len(h.grid)+j)*8:])
			vals[row][j] = math.Float64frombits(bits)
		}
	}
	out, err := CreateEnsemble(h.grid, vals)
	if err != nil {
		return nil, err
	}
	for i, name := range h.ancilNames {
		abuf := make([]byte, chunk.Len()*8)
		if _, err := f.ReadAt(abuf, h.ancilOffset(i, chunk.Start)); err != nil {
			return nil, err
		}
		avals := make([]float64, chunk.Len())
		for j := range avals {
			avals[j] = math.Float64frombits(binary.LittleEndian.Uint64(abuf[j*8:]))
		}
		if err := out.SetAncil(name, avals); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Read reads the whole file at path into an Ensemble
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
	return readMembers(f, h, rail.Chunk{Start: 0, End: h.npdf})
}

// Write writes an Ensemble to path in one shot
func (c *Codec) Write(path string, data rail.Payload) error {
	e, err := asEnsemble(data)
	if err != nil {
		return err
	}
	session, err := c.InitializeWrite(path, e, e.NumRows(), nil)
	if err != nil {
		return err
	}
	if err := session.WriteChunk(0, e.NumRows(), e); err != nil {
		session.Finalize()
		return err
	}
	return session.Finalize()
}

// Length returns the member count recorded in the header
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
	return h.npdf, nil
}

// CheckColumns verifies the named ancillary columns exist, reading only
// the header
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
	present := make(map[string]bool, len(h.ancilNames))
	for _, name := range h.ancilNames {
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

type writeSession struct {
	f         *os.File
	h         *header
	path      string
	root      bool
	finalized bool
}

// InitializeWrite opens a write session on path, writes the header (grid
// and ancillary layout taken from sample), and reserves the full body.
// Members of a cooperating group all open the same path with the same
// header and reserved size, so the open order across ranks does not
// matter.
func (c *Codec) InitializeWrite(path string, sample rail.Payload, totalLength int, comm rail.Collective) (rail.WriteSession, error) {
	e, err := asEnsemble(sample)
	if err != nil {
		return nil, err
	}
	h := encodeHeader(e.Grid(), e.AncilNames(), totalLength)
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

// WriteChunk writes the [start, end) members (and their ancillary
// values) at their computed offsets
func (s *writeSession) WriteChunk(start, end int, data rail.Payload) error {
	if s.finalized {
		return errors.SessionFinalizedError{Path: s.path}
	}
	e, err := asEnsemble(data)
	if err != nil {
		return err
	}
	if start < 0 || end < start || end > s.h.npdf {
		return fmt.Errorf("chunk [%d, %d) is out of range for %d reserved members", start, end, s.h.npdf)
	}
	if e.NumRows() != end-start {
		return fmt.Errorf("ensemble has %d members for chunk [%d, %d)", e.NumRows(), start, end)
	}
	if len(e.Grid()) != len(s.h.grid) {
		return fmt.Errorf("chunk grid has %d points, session grid has %d", len(e.Grid()), len(s.h.grid))
	}
	buf := make([]byte, (end-start)*len(s.h.grid)*8)
	for row, vals := range e.Vals() {
		for j, v := range vals {
			binary.LittleEndian.PutUint64(buf[(row*len(s.h.grid)+j)*8:], math.Float64bits(v))
		}
	}
	if _, err := s.f.WriteAt(buf, s.h.pdfOffset(start)); err != nil {
		return err
	}
	for i, name := range s.h.ancilNames {
		avals, err := e.Ancil(name)
		if err != nil {
			return err
		}
		abuf := make([]byte, len(avals)*8)
		for j, v := range avals {
			binary.LittleEndian.PutUint64(abuf[j*8:], math.Float64bits(v))
		}
		if _, err := s.f.WriteAt(abuf, s.h.ancilOffset(i, start)); err != nil {
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

type chunkIterator struct {
	f      *os.File
	h      *header
	chunks []rail.Chunk
	next   int
}

// Iterator streams the file at path in member chunks, covering this
// worker's share of the extent
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
	chunks := rail.RankChunkRanges(h.npdf, opts.ChunkSize, opts.Rank, size)
	if len(chunks) == 0 {
		f.Close()
	}
	return &chunkIterator{f: f, h: h, chunks: chunks}, nil
}

// HasNext returns true iff there are chunks remaining
func (it *chunkIterator) HasNext() bool {
	return it.next < len(it.chunks)
}

// NextChunk reads and returns the next chunk of members, closing the
// file after the last one
func (it *chunkIterator) NextChunk() (rail.Chunk, rail.Payload, error) {
	if !it.HasNext() {
		return rail.Chunk{}, nil, errors.NoMoreChunksError{}
	}
	chunk := it.chunks[it.next]
	it.next++
	out, err := readMembers(it.f, it.h, chunk)
	if err != nil {
		it.f.Close()
		return rail.Chunk{}, nil, err
	}
	if !it.HasNext() {
		it.f.Close()
	}
	return chunk, out, nil
}
