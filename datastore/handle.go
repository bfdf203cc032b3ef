package datastore

import (
	"fmt"
	"os"
	"path/filepath"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/errors"
)

// A Handle wraps one data product, associating a logical tag with an
// optional in-memory payload, an optional backing file, and the identity
// of the stage that produced it. It provides lazy read, streamed
// chunk-wise write, and size introspection. All path handling expands
// environment variables.
type Handle struct {
	tag     string
	path    string
	creator string
	codec   rail.Codec
	data    rail.Payload
	partial bool
	length  int // cached extent, -1 when unknown
	session rail.WriteSession
}

// CreateHandle returns a new Handle. Either data or path (or both, or
// neither) may be supplied; an empty Handle is populated later by a read,
// a direct assignment, or a streaming write session.
func CreateHandle(tag string, codec rail.Codec, data rail.Payload, path string, creator string) *Handle {
	return &Handle{
		tag:     tag,
		path:    path,
		creator: creator,
		codec:   codec,
		data:    data,
		length:  -1,
	}
}

// Tag returns the logical name of this Handle
func (h *Handle) Tag() string { return h.tag }

// Path returns the backing file path of this Handle, or ""
func (h *Handle) Path() string { return h.path }

// SetPath sets the backing file path of this Handle
func (h *Handle) SetPath(path string) { h.path = path }

// Creator returns the name of the stage that produced this Handle
func (h *Handle) Creator() string { return h.creator }

// Codec returns the backing format codec for this Handle
func (h *Handle) Codec() rail.Codec { return h.codec }

// Data returns the in-memory payload, or nil if not materialized
func (h *Handle) Data() rail.Payload { return h.data }

// Partial returns true while only a chunk of the eventual whole data is attached
func (h *Handle) Partial() bool { return h.partial }

// HasData returns true if the data for this Handle is loaded
func (h *Handle) HasData() bool { return h.data != nil }

// HasPath returns true if the path for the associated file is defined
func (h *Handle) HasPath() bool { return h.path != "" }

// IsWritten returns true if the associated file exists on disk,
// independent of the in-memory data
func (h *Handle) IsWritten() bool {
	if h.path == "" {
		return false
	}
	_, err := os.Stat(h.expandedPath())
	return err == nil
}

func (h *Handle) expandedPath() string {
	return os.ExpandEnv(h.path)
}

// Open opens and returns the backing file. It does not read or cache any
// data.
func (h *Handle) Open() (*os.File, error) {
	if h.path == "" {
		return nil, errors.NoPathError{Tag: h.tag}
	}
	return os.Open(h.expandedPath())
}

// SetData attaches data to this Handle. partial marks the data as only a
// chunk of the eventual whole, which keeps Read and Size from trusting it
// as the full extent.
func (h *Handle) SetData(data rail.Payload, partial bool) {
	h.data = data
	h.partial = partial
}

// SetLength caches the total extent of this Handle's data product,
// used while only partial data is in memory
func (h *Handle) SetLength(length int) { h.length = length }

// Read returns the materialized data, reading and caching it from the
// backing file unless it is already present (or force is set).
func (h *Handle) Read(force bool) (rail.Payload, error) {
	if h.data != nil && !force {
		return h.data, nil
	}
	if h.path == "" {
		return nil, errors.NoPathError{Tag: h.tag}
	}
	data, err := h.codec.Read(h.expandedPath())
	if err != nil {
		return nil, err
	}
	h.SetData(data, false)
	return h.data, nil
}

// Write writes the full in-memory data to the backing file, creating
// intermediate directories on demand.
func (h *Handle) Write() error {
	if h.path == "" {
		return errors.NoPathError{Tag: h.tag}
	}
	if h.data == nil {
		return errors.NoDataError{Tag: h.tag, Path: h.path}
	}
	path := h.expandedPath()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return h.codec.Write(path, h.data)
}

// InitializeWrite opens a streaming write session sized for totalLength
// rows. The currently attached data supplies the column structure of the
// eventual whole. comm identifies this worker within a cooperating group
// streaming disjoint chunks to the same path, nil for a solo write.
func (h *Handle) InitializeWrite(totalLength int, comm rail.Collective) error {
	if h.path == "" {
		return errors.NoPathError{Tag: h.tag}
	}
	if h.data == nil {
		return errors.NoDataError{Tag: h.tag, Path: h.path}
	}
	path := h.expandedPath()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	session, err := h.codec.InitializeWrite(path, h.data, totalLength, comm)
	if err != nil {
		return err
	}
	h.session = session
	h.length = totalLength
	return nil
}

// WriteChunk writes the currently attached data into the [start, end)
// rows of the open write session. The data attached to the Handle is
// replaced, not appended, per chunk: callers set the chunk's payload via
// SetData before each call.
func (h *Handle) WriteChunk(start, end int) error {
	if h.data == nil {
		return errors.NoDataError{Tag: h.tag, Path: h.path}
	}
	if h.session == nil {
		return errors.NotInWriteSessionError{Tag: h.tag, Path: h.path}
	}
	return h.session.WriteChunk(start, end, h.data)
}

// FinalizeWrite closes the open write session. A second call returns a
// state error rather than touching the written file.
func (h *Handle) FinalizeWrite() error {
	if h.session == nil {
		return errors.NotInWriteSessionError{Tag: h.tag, Path: h.path}
	}
	err := h.session.Finalize()
	h.session = nil
	return err
}

// InWriteSession returns true while a streaming write session is open
func (h *Handle) InWriteSession() bool { return h.session != nil }

// Iterator produces a lazy one-pass sequence of chunks covering this
// Handle's extent, slicing the in-memory payload if it is fully
// materialized and streaming from the backing file otherwise.
func (h *Handle) Iterator(opts rail.IteratorOpts) (rail.ChunkIterator, error) {
	if h.data != nil && !h.partial {
		return rail.CreateMemoryIterator(h.data, opts), nil
	}
	if h.path == "" {
		return nil, errors.NoPathError{Tag: h.tag}
	}
	return h.codec.Iterator(h.expandedPath(), opts)
}

// Size returns the extent of the data product, preferring the cached
// length, then the in-memory payload, then a backing-file length probe.
func (h *Handle) Size() (int, error) {
	if h.partial {
		if h.length >= 0 {
			return h.length, nil
		}
		if h.path == "" {
			return 0, errors.NoPathError{Tag: h.tag}
		}
		return h.codec.Length(h.expandedPath())
	}
	if h.data != nil {
		return h.DataSize(), nil
	}
	if h.path == "" {
		return 0, errors.NoPathError{Tag: h.tag}
	}
	return h.codec.Length(h.expandedPath())
}

// DataSize returns the extent of the in-memory payload, or 0
func (h *Handle) DataSize() int {
	if h.data == nil {
		return 0
	}
	return h.data.NumRows()
}

// CheckColumns verifies that the named columns are present in this
// Handle's data product, reading only file metadata when the data is not
// in memory.
func (h *Handle) CheckColumns(columns []string) error {
	if h.data != nil {
		if t, ok := h.data.(*rail.Table); ok {
			return t.HasColumns(columns...)
		}
		return nil
	}
	if h.path == "" {
		return errors.NoPathError{Tag: h.tag}
	}
	return h.codec.CheckColumns(h.expandedPath(), columns)
}

// String summarizes the path and lifecycle state of this Handle
func (h *Handle) String() string {
	state := ""
	if h.IsWritten() {
		state += "w"
	}
	if h.HasData() {
		state += "d"
	}
	path := h.path
	if path == "" {
		path = "<none>"
	}
	return fmt.Sprintf("Handle[%s] %s (%s)", h.tag, path, state)
}
