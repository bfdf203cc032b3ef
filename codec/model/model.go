// Package model implements the serialized-object format used for trained
// models and other one-shot artifacts: a gob-encoded object behind an lz4
// stream. A model file holds exactly one object, so there is no length
// probe beyond existence, no chunked iteration, and no streamed write.
package model

import (
	"encoding/gob"
	"os"

	lz4 "github.com/pierrec/lz4"
	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/errors"
)

// A Model is an opaque trained-model artifact: a name identifying the
// producing algorithm, scalar hyper-parameters, learned arrays, and
// free-form metadata.
type Model struct {
	Name   string
	Params map[string]float64
	Arrays map[string][]float64
	Meta   map[string]string
}

// NumRows returns 1: a model is a single object
func (m *Model) NumRows() int { return 1 }

// Slice returns the model itself for the only valid range [0, 1)
func (m *Model) Slice(start, end int) (rail.Payload, error) {
	if start != 0 || end != 1 {
		return nil, errors.UnsupportedOperationError{Op: "Slice", Tag: m.Name}
	}
	return m, nil
}

// Append is not supported for models
func (m *Model) Append(other rail.Payload) (rail.Payload, error) {
	return nil, errors.UnsupportedOperationError{Op: "Append", Tag: m.Name}
}

// Codec reads and writes Model payloads
type Codec struct{}

// CreateCodec returns a model Codec
func CreateCodec() *Codec {
	return &Codec{}
}

// Suffix returns the canonical file suffix for this format
func (c *Codec) Suffix() string { return "mdl" }

// Read reads and decompresses the model at path
func (c *Codec) Read(path string) (rail.Payload, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var m Model
	if err := gob.NewDecoder(lz4.NewReader(f)).Decode(&m); err != nil {
		return nil, errors.CorruptFileError{Path: path, Reason: err.Error()}
	}
	return &m, nil
}

// Write compresses and writes the model to path
func (c *Codec) Write(path string, data rail.Payload) error {
	m, ok := data.(*Model)
	if !ok {
		return errors.UnsupportedOperationError{Op: "Write", Path: path}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := lz4.NewWriter(f)
	if err := gob.NewEncoder(zw).Encode(m); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Length returns 1 when the file exists
func (c *Codec) Length(path string) (int, error) {
	if _, err := os.Stat(path); err != nil {
		return 0, err
	}
	return 1, nil
}

// InitializeWrite is not supported: a model is written in one shot
func (c *Codec) InitializeWrite(path string, sample rail.Payload, totalLength int, comm rail.Collective) (rail.WriteSession, error) {
	return nil, errors.UnsupportedOperationError{Op: "InitializeWrite", Path: path}
}

// Iterator is not supported: a model has no row extent to stream
func (c *Codec) Iterator(path string, opts rail.IteratorOpts) (rail.ChunkIterator, error) {
	return nil, errors.UnsupportedOperationError{Op: "Iterator", Path: path}
}

// CheckColumns is not supported for models
func (c *Codec) CheckColumns(path string, columns []string) error {
	return errors.UnsupportedOperationError{Op: "CheckColumns", Path: path}
}
