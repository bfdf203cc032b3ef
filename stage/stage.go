package stage

import (
	"fmt"
	"os"
	"sort"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/datastore"
	"github.com/sidratresearch/rail-base-sub000/errors"
	"github.com/sidratresearch/rail-base-sub000/logging"
)

// State tracks a Stage through its lifecycle
type State int

const (
	// Idle indicates the Stage has been constructed but not run
	Idle State = iota
	// Validating indicates the Stage is checking its inputs
	Validating
	// Running indicates the Stage is processing chunks
	Running
	// Finalizing indicates the Stage is flushing its outputs
	Finalizing
	// Done indicates the Stage finished successfully
	Done
	// Failed indicates the Stage stopped on an error
	Failed
)

// String returns the name of this State
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Validating:
		return "validating"
	case Running:
		return "running"
	case Finalizing:
		return "finalizing"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// An IOTag declares one named input or output of a stage class, bound to
// the Codec used to persist it
type IOTag struct {
	Tag   string
	Codec rail.Codec
}

// A Def declares a stage class: its inputs, outputs and parameters
type Def struct {
	Class   string
	Inputs  []IOTag
	Outputs []IOTag
	Options Options
}

type bufferedChunk struct {
	chunk rail.Chunk
	data  rail.Payload
}

// A Stage is one named instance of a stage class, bound to a shared
// Store and (optionally) to a Collective of cooperating workers. Input
// and output tags are aliased per instance so that several instances of
// the same class can coexist in one Store without colliding.
type Stage struct {
	name        string
	def         Def
	store       *datastore.Store
	comm        rail.Collective
	config      *Config
	aliases     map[string]string
	inputLength int
	state       State
	buffered    map[string][]bufferedChunk
}

// New constructs a Stage instance, validating the supplied parameter
// values against the class Options plus the base options every stage
// carries. Each declared tag starts aliased to "{tag}_{name}".
func New(name string, def Def, store *datastore.Store, comm rail.Collective, supplied map[string]interface{}) (*Stage, error) {
	config, err := BuildConfig(name, BaseOptions().Extend(def.Options), supplied)
	if err != nil {
		return nil, err
	}
	s := &Stage{
		name:        name,
		def:         def,
		store:       store,
		comm:        comm,
		config:      config,
		aliases:     make(map[string]string, len(def.Inputs)+len(def.Outputs)),
		inputLength: -1,
		buffered:    make(map[string][]bufferedChunk),
	}
	for _, in := range def.Inputs {
		s.aliases[in.Tag] = fmt.Sprintf("%s_%s", in.Tag, name)
	}
	for _, out := range def.Outputs {
		s.aliases[out.Tag] = fmt.Sprintf("%s_%s", out.Tag, name)
	}
	return s, nil
}

// Name returns this instance's name
func (s *Stage) Name() string { return s.name }

// Class returns the stage class name
func (s *Stage) Class() string { return s.def.Class }

// State returns the current lifecycle State
func (s *Stage) State() State { return s.state }

// Store returns the Store this Stage is bound to
func (s *Stage) Store() *datastore.Store { return s.store }

// Config returns this instance's validated configuration
func (s *Stage) Config() *Config { return s.config }

// Comm returns the Collective this Stage is bound to, or nil for a solo run
func (s *Stage) Comm() rail.Collective { return s.comm }

// Rank returns this worker's index, 0 for a solo run
func (s *Stage) Rank() int {
	if s.comm == nil {
		return 0
	}
	return s.comm.Rank()
}

// Size returns the number of cooperating workers, 1 for a solo run
func (s *Stage) Size() int {
	if s.comm == nil {
		return 1
	}
	return s.comm.Size()
}

// IsRoot returns true on the rank responsible for final aggregation
func (s *Stage) IsRoot() bool { return s.Rank() == 0 }

// InputLength returns the total row count of the primary input, or -1
// before iteration begins
func (s *Stage) InputLength() int { return s.inputLength }

// SetAlias maps a declared tag to a different Store key. All handle
// lookups and attachments go through the alias, so callers always use
// the declared tag.
func (s *Stage) SetAlias(tag, key string) {
	s.aliases[tag] = key
}

// AliasedTag returns the Store key a declared tag resolves to
func (s *Stage) AliasedTag(tag string) string {
	if key, ok := s.aliases[tag]; ok {
		return key
	}
	return tag
}

func (s *Stage) ioTag(tag string) (IOTag, bool) {
	for _, in := range s.def.Inputs {
		if in.Tag == tag {
			return in, true
		}
	}
	for _, out := range s.def.Outputs {
		if out.Tag == tag {
			return out, true
		}
	}
	return IOTag{}, false
}

func (s *Stage) isInput(tag string) bool {
	for _, in := range s.def.Inputs {
		if in.Tag == tag {
			return true
		}
	}
	return false
}

// GetHandle fetches the Handle a declared tag resolves to. When the
// Store has no entry under the aliased tag, allowMissing selects between
// a MissingDataError and registering a fresh empty Handle.
func (s *Stage) GetHandle(tag string, allowMissing bool) (*datastore.Handle, error) {
	aliased := s.AliasedTag(tag)
	h, err := s.store.Get(aliased)
	if err == nil {
		return h, nil
	}
	if !allowMissing {
		return nil, errors.MissingDataError{Stage: s.name, Tag: tag, AliasedTag: aliased}
	}
	return s.AddHandle(tag, nil, "")
}

// AddHandle registers a Handle for a declared tag under its alias,
// recording this Stage as the creator
func (s *Stage) AddHandle(tag string, data rail.Payload, path string) (*datastore.Handle, error) {
	io, ok := s.ioTag(tag)
	if !ok {
		return nil, fmt.Errorf("stage %s does not declare tag %s", s.name, tag)
	}
	aliased := s.AliasedTag(tag)
	h := datastore.CreateHandle(aliased, io.Codec, data, path, s.name)
	if err := s.store.Set(aliased, h); err != nil {
		return nil, err
	}
	return h, nil
}

// GetData returns the Payload for a declared tag, reading from the
// backing file if it is not in memory yet
func (s *Stage) GetData(tag string) (rail.Payload, error) {
	h, err := s.GetHandle(tag, false)
	if err != nil {
		return nil, err
	}
	return h.Read(false)
}

// SetData attaches a value to a declared tag. A *datastore.Handle
// redirects the tag's alias to the given handle's Store key, so data and
// path both follow the upstream producer. A rail.Payload attaches
// in-memory data, clearing any stale path. A string names a file on
// disk, which must exist and is read eagerly.
func (s *Stage) SetData(tag string, value interface{}) error {
	return s.setData(tag, value, true)
}

func (s *Stage) setData(tag string, value interface{}, doRead bool) error {
	switch v := value.(type) {
	case *datastore.Handle:
		if s.isInput(tag) {
			s.SetAlias(tag, v.Tag())
		}
		if doRead && !v.HasData() {
			if _, err := v.Read(false); err != nil {
				return err
			}
		}
		return nil
	case rail.Payload:
		h, err := s.GetHandle(tag, true)
		if err != nil {
			return err
		}
		h.SetData(v, false)
		h.SetPath("")
		return nil
	case string:
		if _, err := os.Stat(os.ExpandEnv(v)); err != nil {
			return errors.FileNotFoundError{Stage: s.name, Path: v}
		}
		h, err := s.GetHandle(tag, true)
		if err != nil {
			return err
		}
		h.SetPath(v)
		if doRead {
			if _, err := h.Read(false); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("stage %s: cannot attach %T to tag %s", s.name, value, tag)
	}
}

// ConnectInput wires one of this Stage's inputs to another Stage's
// output without reading any data. Empty tags select the first declared
// input and output respectively.
func (s *Stage) ConnectInput(other *Stage, inputTag, outputTag string) error {
	if inputTag == "" {
		if len(s.def.Inputs) == 0 {
			return fmt.Errorf("stage %s declares no inputs", s.name)
		}
		inputTag = s.def.Inputs[0].Tag
	}
	if outputTag == "" {
		if len(other.def.Outputs) == 0 {
			return fmt.Errorf("stage %s declares no outputs", other.name)
		}
		outputTag = other.def.Outputs[0].Tag
	}
	h, err := other.GetHandle(outputTag, true)
	if err != nil {
		return err
	}
	return s.setData(inputTag, h, false)
}

// InputIterator returns a ChunkIterator over a declared input. A handle
// with a backing file streams chunks from disk, with chunks dealt
// round-robin across cooperating workers; when there are fewer chunks
// than workers the chunk size shrinks so every worker receives work. A
// handle with only in-memory data yields it as a single chunk on every
// worker. A handle with neither yields no chunks.
func (s *Stage) InputIterator(tag string, chunkSize int) (rail.ChunkIterator, error) {
	h, err := s.GetHandle(tag, true)
	if err != nil {
		return nil, err
	}
	if h.HasPath() {
		n, err := h.Size()
		if err != nil {
			return nil, err
		}
		s.inputLength = n
		size := s.Size()
		totalChunks := (n + chunkSize - 1) / chunkSize
		if totalChunks < size && n > 0 {
			chunkSize = (n + size - 1) / size
			logging.Warnf("stage %s: shrinking chunk size to %d so all %d workers share %d rows", s.name, chunkSize, size, n)
		}
		return h.Iterator(rail.IteratorOpts{ChunkSize: chunkSize, Rank: s.Rank(), Size: size})
	}
	if h.HasData() {
		n := h.DataSize()
		s.inputLength = n
		return rail.CreateMemoryIterator(h.Data(), rail.IteratorOpts{ChunkSize: n, Rank: 0, Size: 1}), nil
	}
	logging.Warnf("stage %s: input %s has neither data nor a path, iterating zero chunks", s.name, tag)
	s.inputLength = 0
	return rail.CreateEmptyIterator(), nil
}

// WriteChunkOutput delivers one processed chunk for a declared output.
// In the default output mode the chunk is streamed straight to the
// backing file, with the write session opened lazily on the first chunk;
// in return mode chunks are held in memory until FinalizeOutput.
func (s *Stage) WriteChunkOutput(tag string, chunk rail.Chunk, data rail.Payload) error {
	if s.config.GetString("output_mode") == "return" {
		s.buffered[tag] = append(s.buffered[tag], bufferedChunk{chunk: chunk, data: data})
		return nil
	}
	h, err := s.GetHandle(tag, true)
	if err != nil {
		return err
	}
	if !h.InWriteSession() {
		if !h.HasPath() {
			h.SetPath(fmt.Sprintf("%s_%s.%s", tag, s.name, h.Codec().Suffix()))
		}
		if s.inputLength < 0 {
			return fmt.Errorf("stage %s: output %s streamed before any input was iterated", s.name, tag)
		}
		h.SetData(data, true)
		if err := h.InitializeWrite(s.inputLength, s.comm); err != nil {
			return err
		}
	}
	h.SetData(data, true)
	return h.WriteChunk(chunk.Start, chunk.End)
}

// FinalizeOutput completes a declared output after the last chunk. In
// return mode the buffered chunks are concatenated in ascending row
// order and attached to the handle in memory; in the default mode the
// write session is closed, or the whole payload written if the stage
// attached it without streaming.
func (s *Stage) FinalizeOutput(tag string) (rail.Payload, error) {
	h, err := s.GetHandle(tag, true)
	if err != nil {
		return nil, err
	}
	if s.config.GetString("output_mode") == "return" {
		chunks := s.buffered[tag]
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].chunk.Start < chunks[j].chunk.Start })
		var full rail.Payload
		for _, bc := range chunks {
			if full == nil {
				full = bc.data
				continue
			}
			full, err = full.Append(bc.data)
			if err != nil {
				return nil, err
			}
		}
		delete(s.buffered, tag)
		if full != nil {
			h.SetData(full, false)
			h.SetPath("")
		}
		return full, nil
	}
	if h.InWriteSession() {
		if err := h.FinalizeWrite(); err != nil {
			return nil, err
		}
		return h.Data(), nil
	}
	if h.HasData() && h.HasPath() && !h.IsWritten() {
		if err := h.Write(); err != nil {
			return nil, err
		}
	}
	return h.Data(), nil
}

// A ChunkFunc processes one chunk of each declared input, in declaration
// order. first is true on the first chunk this worker sees.
type ChunkFunc func(chunk rail.Chunk, data []rail.Payload, first bool) error

// Run drives the Stage lifecycle: validate, iterate the declared inputs
// in lockstep feeding each chunk to process, then finish. Either hook
// may be nil. Any error moves the Stage to Failed and is returned
// wrapped with the instance name.
func (s *Stage) Run(validate func() error, process ChunkFunc, finish func() error) error {
	fail := func(err error) error {
		s.state = Failed
		return fmt.Errorf("stage %s: %w", s.name, err)
	}
	s.state = Validating
	if validate != nil {
		if err := validate(); err != nil {
			return fail(err)
		}
	}
	s.state = Running
	if len(s.def.Inputs) > 0 && process != nil {
		chunkSize := s.config.GetInt("chunk_size")
		iters := make([]rail.ChunkIterator, len(s.def.Inputs))
		for i, in := range s.def.Inputs {
			it, err := s.InputIterator(in.Tag, chunkSize)
			if err != nil {
				return fail(err)
			}
			iters[i] = it
		}
		first := true
		for iters[0].HasNext() {
			chunk, data, err := iters[0].NextChunk()
			if err != nil {
				return fail(err)
			}
			payloads := make([]rail.Payload, len(iters))
			payloads[0] = data
			for i, it := range iters[1:] {
				c, d, err := it.NextChunk()
				if err != nil {
					return fail(err)
				}
				if c != chunk {
					return fail(fmt.Errorf("input %s yields rows [%d, %d) where %s yields [%d, %d)",
						s.def.Inputs[i+1].Tag, c.Start, c.End, s.def.Inputs[0].Tag, chunk.Start, chunk.End))
				}
				payloads[i+1] = d
			}
			if err := process(chunk, payloads, first); err != nil {
				return fail(err)
			}
			first = false
		}
	}
	s.state = Finalizing
	if finish != nil {
		if err := finish(); err != nil {
			return fail(err)
		}
	}
	s.state = Done
	return nil
}
