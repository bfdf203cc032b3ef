// Package rail is a pipeline-stage execution framework for scientific
// batch processing. Stages consume and produce named, typed data products
// which may be too large to fit in memory, so the framework streams them
// in bounded-memory chunks, potentially across multiple cooperating
// worker processes.
//
// The root package defines the core contracts: Payload (the unit of
// data), Codec (how a payload is persisted and streamed), Collective
// (the channel cooperating workers use to combine partial results), and
// the Metric interfaces used by evaluator-style stages. Implementations
// live in subpackages: datastore holds the Handle and Store, codec/*
// hold the backing file formats, stage holds the execution engine,
// evaluate holds the accumulation protocol, cluster holds the collective
// transport, and pipeline assembles stages from YAML.
package rail
