// Package pipeline assembles named stage instances from a YAML
// description and runs them in order against a shared data store.
package pipeline

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	uuid "github.com/gofrs/uuid"
	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/codec/ensemble"
	"github.com/sidratresearch/rail-base-sub000/codec/jsontable"
	"github.com/sidratresearch/rail-base-sub000/codec/model"
	"github.com/sidratresearch/rail-base-sub000/codec/tablefile"
	"github.com/sidratresearch/rail-base-sub000/datastore"
	"github.com/sidratresearch/rail-base-sub000/errors"
	"github.com/sidratresearch/rail-base-sub000/logging"
	yaml "gopkg.in/yaml.v2"
)

// A StageRunner is one runnable stage instance of a pipeline
type StageRunner interface {
	Name() string
	SetAlias(tag, key string)
	SetData(tag string, value interface{}) error
	Run() error
}

// A StageFactory builds a StageRunner bound to a store and an optional
// worker group
type StageFactory func(name string, store *datastore.Store, comm rail.Collective, config map[string]interface{}) (StageRunner, error)

var (
	stagesLock sync.RWMutex
	stages     = make(map[string]StageFactory)
)

// RegisterStage makes a stage class available to pipelines under a
// name. Registering the same name twice replaces the factory.
func RegisterStage(class string, factory StageFactory) {
	stagesLock.Lock()
	defer stagesLock.Unlock()
	stages[class] = factory
}

func createStage(class, name string, store *datastore.Store, comm rail.Collective, config map[string]interface{}) (StageRunner, error) {
	stagesLock.RLock()
	factory, ok := stages[class]
	stagesLock.RUnlock()
	if !ok {
		return nil, errors.UnknownStageError{Name: class}
	}
	return factory(name, store, comm, config)
}

// StageSpec describes one stage instance: its class, instance name,
// per-instance tag aliases and configuration overrides
type StageSpec struct {
	Name    string                 `yaml:"name"`
	Class   string                 `yaml:"class"`
	Aliases map[string]string      `yaml:"aliases,omitempty"`
	Config  map[string]interface{} `yaml:"config,omitempty"`
}

// Spec describes a whole pipeline: pre-existing input files by tag plus
// the stages to run, in order
type Spec struct {
	Name   string            `yaml:"name"`
	Inputs map[string]string `yaml:"inputs,omitempty"`
	Stages []StageSpec       `yaml:"stages"`
}

// A Pipeline is an assembled Spec: stage instances sharing one Store,
// ready to run sequentially
type Pipeline struct {
	spec   Spec
	store  *datastore.Store
	comm   rail.Collective
	codecs *datastore.CodecRegistry
	runID  string
	built  []StageRunner
}

// DefaultCodecs returns a registry of the built-in file formats, keyed
// by file suffix
func DefaultCodecs() *datastore.CodecRegistry {
	reg := datastore.CreateCodecRegistry()
	for _, codec := range []rail.Codec{
		tablefile.CreateCodec(),
		jsontable.CreateCodec(),
		ensemble.CreateCodec(),
		model.CreateCodec(),
	} {
		if err := reg.Register(codec.Suffix(), codec); err != nil {
			panic(err)
		}
	}
	return reg
}

// Load reads a pipeline Spec from a YAML file
func Load(path string) (Spec, error) {
	raw, err := ioutil.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return Spec{}, err
	}
	return LoadBytes(raw)
}

// LoadBytes parses a pipeline Spec from YAML text
func LoadBytes(raw []byte) (Spec, error) {
	var spec Spec
	if err := yaml.UnmarshalStrict(raw, &spec); err != nil {
		return Spec{}, err
	}
	if spec.Name == "" {
		return Spec{}, fmt.Errorf("pipeline has no name")
	}
	return spec, nil
}

// Save writes a pipeline Spec back to a YAML file
func Save(spec Spec, path string) error {
	raw, err := yaml.Marshal(spec)
	if err != nil {
		return err
	}
	return ioutil.WriteFile(os.ExpandEnv(path), raw, 0644)
}

// CreatePipeline assembles a Spec into runnable stages sharing the
// given Store. Each declared input file is registered under its tag,
// with its codec chosen by file suffix; each stage is built from the
// factory registry with its declared aliases and configuration.
func CreatePipeline(spec Spec, store *datastore.Store, comm rail.Collective) (*Pipeline, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate UUID: %v", err)
	}
	p := &Pipeline{
		spec:   spec,
		store:  store,
		comm:   comm,
		codecs: DefaultCodecs(),
		runID:  id.String(),
	}
	for tag, path := range spec.Inputs {
		suffix := strings.TrimPrefix(filepath.Ext(path), ".")
		codec, err := p.codecs.Lookup(suffix)
		if err != nil {
			return nil, fmt.Errorf("input %s: %v", tag, err)
		}
		if _, err := store.AddHandle(tag, codec, path, spec.Name); err != nil {
			return nil, err
		}
	}
	for _, ss := range spec.Stages {
		runner, err := createStage(ss.Class, ss.Name, store, comm, ss.Config)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", ss.Name, err)
		}
		for tag, key := range ss.Aliases {
			runner.SetAlias(tag, key)
		}
		p.built = append(p.built, runner)
	}
	return p, nil
}

// RunID returns the unique identifier of this assembled run
func (p *Pipeline) RunID() string { return p.runID }

// Store returns the Store shared by this pipeline's stages
func (p *Pipeline) Store() *datastore.Store { return p.store }

// Stages returns the assembled stage instances in run order
func (p *Pipeline) Stages() []StageRunner {
	out := make([]StageRunner, len(p.built))
	copy(out, p.built)
	return out
}

// Run executes every stage in order, stopping at the first failure
func (p *Pipeline) Run() error {
	logging.Infof("Running pipeline %s (run %s) with %d stages", p.spec.Name, p.runID, len(p.built))
	for _, runner := range p.built {
		logging.Infof("Running stage %s", runner.Name())
		if err := runner.Run(); err != nil {
			return fmt.Errorf("pipeline %s: %w", p.spec.Name, err)
		}
	}
	return nil
}
