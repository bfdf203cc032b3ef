package datastore

import (
	"fmt"
	"sort"
	"sync"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/errors"
)

// A CodecRegistry maps stable format names to Codec implementations.
// Codecs are registered explicitly at startup rather than through
// package side effects, so every available format is visible at the
// registration site.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]rail.Codec
}

// CreateCodecRegistry returns a new empty CodecRegistry
func CreateCodecRegistry() *CodecRegistry {
	return &CodecRegistry{codecs: make(map[string]rail.Codec)}
}

// Register adds a Codec under a stable name, rejecting duplicates
func (r *CodecRegistry) Register(name string, codec rail.Codec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[name]; ok {
		return fmt.Errorf("codec %s is already registered", name)
	}
	r.codecs[name] = codec
	return nil
}

// Lookup returns the Codec registered under name
func (r *CodecRegistry) Lookup(name string) (rail.Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	codec, ok := r.codecs[name]
	if !ok {
		return nil, errors.UnknownCodecError{Name: name}
	}
	return codec, nil
}

// Names returns the sorted names of every registered Codec
func (r *CodecRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
