package datastore

import (
	"os"
	"sort"
	"sync"

	multierror "github.com/hashicorp/go-multierror"
	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/errors"
)

// A Store is a registry mapping tags to Handles, shared by every stage of
// one pipeline run. At most one producer may hold a given tag unless the
// overwrite policy is explicitly enabled. Stores are constructed
// explicitly and injected into stages rather than living as ambient
// global state.
type Store struct {
	mu             sync.RWMutex
	handles        map[string]*Handle
	allowOverwrite bool
}

// CreateStore returns a new empty Store
func CreateStore() *Store {
	return &Store{handles: make(map[string]*Handle)}
}

// SetAllowOverwrite toggles the store-wide overwrite policy
func (s *Store) SetAllowOverwrite(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowOverwrite = allow
}

// Set registers a Handle under its tag, rejecting a duplicate tag unless
// the overwrite policy is enabled. The duplicate error names the prior
// creator for diagnosability.
func (s *Store) Set(tag string, handle *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prior, ok := s.handles[tag]; ok && !s.allowOverwrite {
		return errors.DuplicateTagError{Tag: tag, Creator: prior.Creator()}
	}
	s.handles[tag] = handle
	return nil
}

// Get returns the Handle registered under tag
func (s *Store) Get(tag string) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.handles[tag]
	if !ok {
		return nil, errors.TagNotFoundError{Tag: tag}
	}
	return handle, nil
}

// Has returns true if tag is registered
func (s *Store) Has(tag string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handles[tag]
	return ok
}

// AddData constructs a Handle around in-memory data and registers it
func (s *Store) AddData(tag string, data rail.Payload, codec rail.Codec, path string, creator string) (*Handle, error) {
	handle := CreateHandle(tag, codec, data, path, creator)
	if err := s.Set(tag, handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// AddHandle constructs an empty Handle backed by a file and registers it
func (s *Store) AddHandle(tag string, codec rail.Codec, path string, creator string) (*Handle, error) {
	handle := CreateHandle(tag, codec, nil, path, creator)
	if err := s.Set(tag, handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// ReadFile constructs a Handle backed by a file, reads it eagerly, and
// registers it
func (s *Store) ReadFile(tag string, codec rail.Codec, path string, creator string) (*Handle, error) {
	handle := CreateHandle(tag, codec, nil, path, creator)
	if _, err := handle.Read(false); err != nil {
		return nil, err
	}
	if err := s.Set(tag, handle); err != nil {
		return nil, err
	}
	return handle, nil
}

// Read reads and returns the data registered under tag
func (s *Store) Read(tag string) (rail.Payload, error) {
	handle, err := s.Get(tag)
	if err != nil {
		return nil, err
	}
	return handle.Read(false)
}

// Open opens and returns the backing file registered under tag
func (s *Store) Open(tag string) (*os.File, error) {
	handle, err := s.Get(tag)
	if err != nil {
		return nil, err
	}
	return handle.Open()
}

// Write writes the data registered under tag to its backing file
func (s *Store) Write(tag string) error {
	handle, err := s.Get(tag)
	if err != nil {
		return err
	}
	return handle.Write()
}

// WriteAll writes every registered Handle that is not already written
// (or all of them when force is set), collecting per-handle failures
// rather than stopping at the first.
func (s *Store) WriteAll(force bool) error {
	s.mu.RLock()
	tags := make([]string, 0, len(s.handles))
	for tag := range s.handles {
		tags = append(tags, tag)
	}
	s.mu.RUnlock()
	sort.Strings(tags)
	var result *multierror.Error
	for _, tag := range tags {
		handle, err := s.Get(tag)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if handle.IsWritten() && !force {
			continue
		}
		if err := handle.Write(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Tags returns the sorted tags of every registered Handle
func (s *Store) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]string, 0, len(s.handles))
	for tag := range s.handles {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Len returns the number of registered Handles
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// Clear removes every registered Handle, for run and test isolation
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = make(map[string]*Handle)
}
