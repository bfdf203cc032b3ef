// Package evaluate compares a stage's estimates against reference
// values, computing per-row metrics streamed chunk by chunk and
// aggregate metrics accumulated across chunks and workers.
package evaluate

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"

	rail "github.com/sidratresearch/rail-base-sub000"
	"github.com/sidratresearch/rail-base-sub000/codec/ensemble"
	"github.com/sidratresearch/rail-base-sub000/codec/tablefile"
	"github.com/sidratresearch/rail-base-sub000/datastore"
	"github.com/sidratresearch/rail-base-sub000/errors"
	"github.com/sidratresearch/rail-base-sub000/logging"
	"github.com/sidratresearch/rail-base-sub000/stage"
)

// A MetricFactory builds a Metric instance from a validated stage
// configuration
type MetricFactory func(config *stage.Config) (rail.Metric, error)

var (
	metricsLock sync.RWMutex
	metrics     = make(map[string]MetricFactory)
)

// RegisterMetric makes a metric available to Evaluators under a name.
// Registering the same name twice replaces the factory.
func RegisterMetric(name string, factory MetricFactory) {
	metricsLock.Lock()
	defer metricsLock.Unlock()
	metrics[name] = factory
}

func createMetric(name string, config *stage.Config) (rail.Metric, error) {
	metricsLock.RLock()
	factory, ok := metrics[name]
	metricsLock.RUnlock()
	if !ok {
		return nil, errors.UnknownMetricError{Name: name}
	}
	return factory(config)
}

func init() {
	RegisterMetric("point_error", func(c *stage.Config) (rail.Metric, error) {
		return CreatePointError(c.GetString("point_col"), c.GetString("truth_col")), nil
	})
	RegisterMetric("moments", func(c *stage.Config) (rail.Metric, error) {
		return CreateMoments(c.GetString("point_col"), c.GetString("truth_col")), nil
	})
	RegisterMetric("outlier_rate", func(c *stage.Config) (rail.Metric, error) {
		return CreateOutlierRate(c.GetString("point_col"), c.GetString("truth_col"), c.GetFloat("outlier_cut")), nil
	})
	RegisterMetric("naive_stack", func(c *stage.Config) (rail.Metric, error) {
		return CreateNaiveStack(), nil
	})
}

// EvaluatorDef declares the Evaluator stage class: an ensemble of
// estimates plus a reference table in, a per-row metric table, a
// single-value summary table and a stacked-distribution summary out
func EvaluatorDef() stage.Def {
	return stage.Def{
		Class: "Evaluator",
		Inputs: []stage.IOTag{
			{Tag: "input", Codec: ensemble.CreateCodec()},
			{Tag: "truth", Codec: tablefile.CreateCodec()},
		},
		Outputs: []stage.IOTag{
			{Tag: "output", Codec: tablefile.CreateCodec()},
			{Tag: "summary", Codec: tablefile.CreateCodec()},
			{Tag: "single_distribution_summary", Codec: ensemble.CreateCodec()},
		},
		Options: stage.Options{
			"metrics":     {Kind: stage.StringListKind, Required: true, Msg: "Names of the metrics to evaluate"},
			"point_col":   {Kind: stage.StringKind, Default: "zmode", Msg: "Column holding the point estimates"},
			"truth_col":   {Kind: stage.StringKind, Default: "redshift", Msg: "Column holding the reference values"},
			"outlier_cut": {Kind: stage.FloatKind, Default: 0.15, Msg: "Scaled-error magnitude beyond which a row counts as an outlier"},
		},
	}
}

// An Evaluator runs a configured list of metrics over chunked estimate
// and reference data. Per-row metrics stream into the output table at
// each chunk's row offsets. Aggregate metrics cache one opaque partial
// per chunk; after the last chunk the partials are gathered across the
// worker group to rank 0, which finalizes each metric exactly once.
// Configured metrics that cannot accumulate are skipped with a
// diagnostic rather than failing the run.
type Evaluator struct {
	*stage.Stage
	perRow   []rail.ChunkEvaluator
	accum    []rail.AccumulatingMetric
	partials map[string][][]byte
}

// CreateEvaluator constructs an Evaluator instance bound to a Store and
// an optional worker group
func CreateEvaluator(name string, store *datastore.Store, comm rail.Collective, supplied map[string]interface{}) (*Evaluator, error) {
	s, err := stage.New(name, EvaluatorDef(), store, comm, supplied)
	if err != nil {
		return nil, err
	}
	return &Evaluator{Stage: s, partials: make(map[string][][]byte)}, nil
}

// Run evaluates every configured metric over the connected inputs
func (e *Evaluator) Run() error {
	return e.Stage.Run(e.validate, e.processChunk, e.finish)
}

func (e *Evaluator) validate() error {
	e.perRow = e.perRow[:0]
	e.accum = e.accum[:0]
	for _, name := range e.Config().GetStrings("metrics") {
		m, err := createMetric(name, e.Config())
		if err != nil {
			return err
		}
		switch m.OutputType() {
		case rail.OneValuePerRow:
			ce, ok := m.(rail.ChunkEvaluator)
			if !ok {
				logging.Warnf("evaluator %s: metric %s claims per-row output but cannot evaluate chunks, skipping", e.Name(), name)
				continue
			}
			e.perRow = append(e.perRow, ce)
		default:
			am, ok := m.(rail.AccumulatingMetric)
			if !ok {
				logging.Warnf("evaluator %s: metric %s cannot accumulate across chunks, skipping", e.Name(), name)
				continue
			}
			e.accum = append(e.accum, am)
		}
	}
	return nil
}

func (e *Evaluator) processChunk(chunk rail.Chunk, data []rail.Payload, first bool) error {
	estimate, reference := data[0], data[1]
	if len(e.perRow) > 0 {
		out := rail.CreateTable()
		for _, m := range e.perRow {
			vals, err := m.EvaluateChunk(estimate, reference)
			if err != nil {
				return err
			}
			out.SetColumn(m.Name(), vals)
		}
		if err := e.WriteChunkOutput("output", chunk, out); err != nil {
			return err
		}
	}
	for _, m := range e.accum {
		p, err := m.Accumulate(estimate, reference)
		if err != nil {
			return err
		}
		e.partials[m.Name()] = append(e.partials[m.Name()], p)
	}
	return nil
}

func (e *Evaluator) finish() error {
	if len(e.perRow) > 0 {
		if comm := e.Comm(); comm != nil {
			// every rank's chunk writes must land before rank 0 seals the file
			if err := comm.Barrier(); err != nil {
				return err
			}
		}
		if _, err := e.FinalizeOutput("output"); err != nil {
			return err
		}
	}
	if len(e.accum) == 0 {
		return nil
	}
	all, err := e.gatherPartials()
	if err != nil {
		return err
	}
	if !e.IsRoot() {
		// only rank 0 finalizes
		return nil
	}
	summary := rail.CreateTable()
	for _, m := range e.accum {
		partials := all[m.Name()]
		if len(partials) == 0 {
			logging.Warnf("evaluator %s: metric %s accumulated no partials, skipping", e.Name(), m.Name())
			continue
		}
		result, err := m.Finalize(partials)
		if err != nil {
			return err
		}
		switch m.OutputType() {
		case rail.SingleDistribution:
			if err := e.SetData("single_distribution_summary", result); err != nil {
				return err
			}
			if _, err := e.FinalizeOutput("single_distribution_summary"); err != nil {
				return err
			}
		default:
			tbl, ok := result.(*rail.Table)
			if !ok {
				logging.Warnf("evaluator %s: metric %s finalized to a %T, expected a table, skipping", e.Name(), m.Name(), result)
				continue
			}
			for _, col := range tbl.ColumnNames() {
				vals, err := tbl.Column(col)
				if err != nil {
					return err
				}
				summary.SetColumn(col, vals)
			}
		}
	}
	if len(summary.ColumnNames()) > 0 {
		if err := e.SetData("summary", summary); err != nil {
			return err
		}
		if _, err := e.FinalizeOutput("summary"); err != nil {
			return err
		}
	}
	return nil
}

// gatherPartials merges every worker's cached partials at rank 0. With
// no worker group the local cache is returned as-is.
func (e *Evaluator) gatherPartials() (map[string][][]byte, error) {
	comm := e.Comm()
	if comm == nil {
		return e.partials, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e.partials); err != nil {
		return nil, err
	}
	gathered, err := comm.Gather(buf.Bytes())
	if err != nil {
		return nil, err
	}
	if err := comm.Barrier(); err != nil {
		return nil, err
	}
	if comm.Rank() != 0 {
		return nil, nil
	}
	all := make(map[string][][]byte)
	for _, raw := range gathered {
		local := make(map[string][][]byte)
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&local); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(local))
		for name := range local {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			all[name] = append(all[name], local[name]...)
		}
	}
	return all, nil
}
