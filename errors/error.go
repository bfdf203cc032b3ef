package errors

import (
	"fmt"
	"sort"
	"strings"
)

// NoPathError occurs when a Handle operation requires a backing path and none has been set
type NoPathError struct{ Tag string }

// Error returns a textual representation of this NoPathError
func (e NoPathError) Error() string {
	return fmt.Sprintf("Handle %s has no path", e.Tag)
}

// NoDataError occurs when a Handle operation requires in-memory data and none has been set
type NoDataError struct {
	Tag  string
	Path string
}

// Error returns a textual representation of this NoDataError
func (e NoDataError) Error() string {
	return fmt.Sprintf("Handle %s (path %s) has no data", e.Tag, e.Path)
}

// NotInWriteSessionError occurs when WriteChunk or FinalizeWrite is called outside an open streaming write session
type NotInWriteSessionError struct {
	Tag  string
	Path string
}

// Error returns a textual representation of this NotInWriteSessionError
func (e NotInWriteSessionError) Error() string {
	return fmt.Sprintf("Handle %s (path %s) has no open write session", e.Tag, e.Path)
}

// SessionFinalizedError occurs when a streaming write session is used after Finalize
type SessionFinalizedError struct{ Path string }

// Error returns a textual representation of this SessionFinalizedError
func (e SessionFinalizedError) Error() string {
	return fmt.Sprintf("Write session for %s is already finalized", e.Path)
}

// UnsupportedOperationError occurs when a backing format does not support the requested operation
type UnsupportedOperationError struct {
	Op   string
	Tag  string
	Path string
}

// Error returns a textual representation of this UnsupportedOperationError
func (e UnsupportedOperationError) Error() string {
	return fmt.Sprintf("Operation %s is not supported for %s (path %s)", e.Op, e.Tag, e.Path)
}

// TagNotFoundError occurs when a Store lookup references an unknown tag
type TagNotFoundError struct{ Tag string }

// Error returns a textual representation of this TagNotFoundError
func (e TagNotFoundError) Error() string {
	return fmt.Sprintf("Tag %s does not exist in the store", e.Tag)
}

// DuplicateTagError occurs when a tag is registered twice without the overwrite policy enabled
type DuplicateTagError struct {
	Tag     string
	Creator string
}

// Error returns a textual representation of this DuplicateTagError
func (e DuplicateTagError) Error() string {
	return fmt.Sprintf("Store already holds tag %s, created by %s", e.Tag, e.Creator)
}

// UnknownCodecError occurs when a codec name is not present in the registry
type UnknownCodecError struct{ Name string }

// Error returns a textual representation of this UnknownCodecError
func (e UnknownCodecError) Error() string {
	return fmt.Sprintf("No codec registered under name %s", e.Name)
}

// UnknownStageError occurs when a stage class name is not present in the factory registry
type UnknownStageError struct{ Name string }

// Error returns a textual representation of this UnknownStageError
func (e UnknownStageError) Error() string {
	return fmt.Sprintf("No stage class registered under name %s", e.Name)
}

// UnknownMetricError occurs when a metric name is not present in the metric registry
type UnknownMetricError struct{ Name string }

// Error returns a textual representation of this UnknownMetricError
func (e UnknownMetricError) Error() string {
	return fmt.Sprintf("No metric registered under name %s", e.Name)
}

// MissingConfigError occurs when a required stage parameter is not supplied
type MissingConfigError struct {
	Stage string
	Name  string
}

// Error returns a textual representation of this MissingConfigError
func (e MissingConfigError) Error() string {
	return fmt.Sprintf("Stage %s is missing required configuration option %s", e.Stage, e.Name)
}

// UnknownConfigError occurs when unrecognized stage parameters are supplied
type UnknownConfigError struct {
	Stage string
	Names []string
	Known []string
}

// Error returns a textual representation of this UnknownConfigError
func (e UnknownConfigError) Error() string {
	names := append([]string{}, e.Names...)
	known := append([]string{}, e.Known...)
	sort.Strings(names)
	sort.Strings(known)
	return fmt.Sprintf("Stage %s received unrecognized configuration options [%s] - known options are [%s]",
		e.Stage, strings.Join(names, ", "), strings.Join(known, ", "))
}

// ConfigTypeError occurs when a supplied stage parameter has the wrong type
type ConfigTypeError struct {
	Stage    string
	Name     string
	Expected string
	Value    interface{}
}

// Error returns a textual representation of this ConfigTypeError
func (e ConfigTypeError) Error() string {
	return fmt.Sprintf("Stage %s configuration option %s expects %s, got %#v", e.Stage, e.Name, e.Expected, e.Value)
}

// MissingColumnsError occurs when required columns are absent from an input table
type MissingColumnsError struct {
	Path    string
	Columns []string
}

// Error returns a textual representation of this MissingColumnsError
func (e MissingColumnsError) Error() string {
	cols := append([]string{}, e.Columns...)
	sort.Strings(cols)
	if e.Path == "" {
		return fmt.Sprintf("The following columns are not found: [%s]", strings.Join(cols, ", "))
	}
	return fmt.Sprintf("The following columns are not found in %s: [%s]", e.Path, strings.Join(cols, ", "))
}

// MissingDataError occurs when a stage looks up a tag that is absent from the store
type MissingDataError struct {
	Stage      string
	Tag        string
	AliasedTag string
}

// Error returns a textual representation of this MissingDataError
func (e MissingDataError) Error() string {
	return fmt.Sprintf("Stage %s failed to get data by handle %s, associated to %s", e.Stage, e.AliasedTag, e.Tag)
}

// FileNotFoundError occurs when a path supplied to a stage does not exist on disk
type FileNotFoundError struct {
	Stage string
	Path  string
}

// Error returns a textual representation of this FileNotFoundError
func (e FileNotFoundError) Error() string {
	return fmt.Sprintf("Stage %s is unable to find file %s", e.Stage, e.Path)
}

// NoMoreChunksError occurs when NextChunk is called on an exhausted ChunkIterator
type NoMoreChunksError struct{}

// Error returns a textual representation of this NoMoreChunksError
func (e NoMoreChunksError) Error() string {
	return "No more chunks"
}

// CorruptFileError occurs when a backing file fails its integrity check on read
type CorruptFileError struct {
	Path   string
	Reason string
}

// Error returns a textual representation of this CorruptFileError
func (e CorruptFileError) Error() string {
	return fmt.Sprintf("File %s is corrupt: %s", e.Path, e.Reason)
}
