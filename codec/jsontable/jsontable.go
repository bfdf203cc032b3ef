// Package jsontable reads and writes numeric column tables as JSON
// lines, one object per row. The format is line-oriented, so rows cannot
// be written at arbitrary offsets: it is an interchange format for
// inputs, and the streamed-write session is not supported. Values are
// extracted lazily from each line by column name, which may be any gjson
// path.
package jsontable

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/errors"
	"github.com/tidwall/gjson"
)

// Codec reads and writes Table payloads as JSON lines
type Codec struct{}

// CreateCodec returns a jsontable Codec
func CreateCodec() *Codec {
	return &Codec{}
}

// Suffix returns the canonical file suffix for this format
func (c *Codec) Suffix() string { return "jsonl" }

func columnsOf(line []byte) []string {
	var names []string
	gjson.ParseBytes(line).ForEach(func(key, _ gjson.Result) bool {
		names = append(names, key.String())
		return true
	})
	return names
}

func parseLine(line []byte, names []string, buf map[string][]float64) error {
	for _, name := range names {
		res := gjson.GetBytes(line, name)
		if !res.Exists() {
			return errors.MissingColumnsError{Columns: []string{name}}
		}
		buf[name] = append(buf[name], res.Float())
	}
	return nil
}

// Read reads the whole file at path into a Table. Column names and order
// come from the first line.
func (c *Codec) Read(path string) (rail.Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	var names []string
	cols := make(map[string][]float64)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if names == nil {
			names = columnsOf(line)
		}
		if err := parseLine(line, names, cols); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	out := rail.CreateTable()
	for _, name := range names {
		out.SetColumn(name, cols[name])
	}
	return out, nil
}

// Write writes a Table to path, one JSON object per row
func (c *Codec) Write(path string, data rail.Payload) error {
	t, ok := data.(*rail.Table)
	if !ok {
		return fmt.Errorf("jsontable codec requires a *rail.Table, got %T", data)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	names := t.ColumnNames()
	for row := 0; row < t.NumRows(); row++ {
		w.WriteByte('{')
		for i, name := range names {
			if i > 0 {
				w.WriteByte(',')
			}
			vals, err := t.Column(name)
			if err != nil {
				f.Close()
				return err
			}
			w.WriteString(strconv.Quote(name))
			w.WriteByte(':')
			w.WriteString(strconv.FormatFloat(vals[row], 'g', -1, 64))
		}
		w.WriteString("}\n")
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Length counts the non-empty lines of the file without parsing them
func (c *Codec) Length(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	n := 0
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
			n++
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return n, nil
}

// InitializeWrite is not supported: a line-oriented file has no computable
// row offsets to reserve
func (c *Codec) InitializeWrite(path string, sample rail.Payload, totalLength int, comm rail.Collective) (rail.WriteSession, error) {
	return nil, errors.UnsupportedOperationError{Op: "InitializeWrite", Path: path}
}

// CheckColumns verifies the named columns against the first line of the
// file
func (c *Codec) CheckColumns(path string, columns []string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var missing []string
		for _, name := range columns {
			if !gjson.GetBytes(line, name).Exists() {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return errors.MissingColumnsError{Path: path, Columns: missing}
		}
		return nil
	}
	return errors.CorruptFileError{Path: path, Reason: "empty file"}
}

// chunkIterator streams one worker's chunks from a JSON lines file. The
// file is scanned sequentially; rows outside this worker's chunks are
// skipped.
type chunkIterator struct {
	f       *os.File
	scanner *bufio.Scanner
	names   []string
	chunks  []rail.Chunk
	next    int
	row     int
}

// Iterator streams the file at path in chunks, covering this worker's
// share of the extent
func (c *Codec) Iterator(path string, opts rail.IteratorOpts) (rail.ChunkIterator, error) {
	n, err := c.Length(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	size := opts.Size
	if size < 1 {
		size = 1
	}
	chunks := rail.RankChunkRanges(n, opts.ChunkSize, opts.Rank, size)
	if len(chunks) == 0 {
		f.Close()
	}
	return &chunkIterator{f: f, scanner: scanner, chunks: chunks}, nil
}

// HasNext returns true iff there are chunks remaining
func (it *chunkIterator) HasNext() bool {
	return it.next < len(it.chunks)
}

func (it *chunkIterator) scanLine() ([]byte, bool) {
	for it.scanner.Scan() {
		line := bytes.TrimSpace(it.scanner.Bytes())
		if len(line) > 0 {
			return line, true
		}
	}
	return nil, false
}

// NextChunk parses and returns the next chunk, closing the file after the
// last one
func (it *chunkIterator) NextChunk() (rail.Chunk, rail.Payload, error) {
	if !it.HasNext() {
		return rail.Chunk{}, nil, errors.NoMoreChunksError{}
	}
	chunk := it.chunks[it.next]
	it.next++
	cols := make(map[string][]float64)
	for {
		line, ok := it.scanLine()
		if !ok {
			it.f.Close()
			return rail.Chunk{}, nil, errors.CorruptFileError{Path: it.f.Name(), Reason: "file shorter than its probed length"}
		}
		if it.names == nil {
			it.names = columnsOf(line)
		}
		if it.row >= chunk.Start {
			if err := parseLine(line, it.names, cols); err != nil {
				it.f.Close()
				return rail.Chunk{}, nil, err
			}
		}
		it.row++
		if it.row >= chunk.End {
			break
		}
	}
	out := rail.CreateTable()
	for _, name := range it.names {
		out.SetColumn(name, cols[name])
	}
	if !it.HasNext() {
		it.f.Close()
	}
	return chunk, out, nil
}
