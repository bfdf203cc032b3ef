package stage

import (
	"sort"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/sidratresearch/rail-base-sub000/errors"
)

// Kind is the declared type of a stage parameter
type Kind int

const (
	// IntKind parameters hold an int
	IntKind Kind = iota
	// FloatKind parameters hold a float64
	FloatKind
	// BoolKind parameters hold a bool
	BoolKind
	// StringKind parameters hold a string
	StringKind
	// StringListKind parameters hold a []string
	StringListKind
)

// String returns the name of this Kind
func (k Kind) String() string {
	switch k {
	case IntKind:
		return "int"
	case FloatKind:
		return "float64"
	case BoolKind:
		return "bool"
	case StringKind:
		return "string"
	case StringListKind:
		return "[]string"
	default:
		return "unknown"
	}
}

// A Param declares one stage parameter: its type, default, requiredness,
// and a human-readable description.
type Param struct {
	Kind     Kind
	Default  interface{}
	Required bool
	Msg      string
}

// Options is the full set of parameters declared by a stage class
type Options map[string]Param

// Extend returns a copy of these Options with other's parameters added,
// other winning on collision
func (o Options) Extend(other Options) Options {
	out := make(Options, len(o)+len(other))
	for name, p := range o {
		out[name] = p
	}
	for name, p := range other {
		out[name] = p
	}
	return out
}

// BaseOptions returns the parameters shared by every stage
func BaseOptions() Options {
	return Options{
		"output_mode": {Kind: StringKind, Default: "default", Msg: "What to do with the outputs: write them (default) or hold them in memory (return)"},
		"chunk_size":  {Kind: IntKind, Default: 10000, Msg: "Number of rows to process per chunk"},
	}
}

// A Config is a validated bag of stage parameter values
type Config struct {
	values map[string]interface{}
}

func coerce(p Param, value interface{}) (interface{}, bool) {
	switch p.Kind {
	case IntKind:
		if v, ok := value.(int); ok {
			return v, true
		}
	case FloatKind:
		switch v := value.(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		}
	case BoolKind:
		if v, ok := value.(bool); ok {
			return v, true
		}
	case StringKind:
		if v, ok := value.(string); ok {
			return v, true
		}
	case StringListKind:
		switch v := value.(type) {
		case []string:
			return v, true
		case []interface{}:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, false
				}
				out = append(out, s)
			}
			return out, true
		}
	}
	return nil, false
}

// BuildConfig validates supplied values strictly against the declared
// Options: missing required parameters, unrecognized parameters, and
// type mismatches all fail construction (collected together rather than
// one at a time); declared-but-unsupplied optional parameters take their
// defaults.
func BuildConfig(stageName string, opts Options, supplied map[string]interface{}) (*Config, error) {
	var result *multierror.Error
	values := make(map[string]interface{}, len(opts))
	names := make([]string, 0, len(opts))
	for name := range opts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := opts[name]
		raw, ok := supplied[name]
		if !ok {
			if p.Required {
				result = multierror.Append(result, errors.MissingConfigError{Stage: stageName, Name: name})
				continue
			}
			values[name] = p.Default
			continue
		}
		v, ok := coerce(p, raw)
		if !ok {
			result = multierror.Append(result, errors.ConfigTypeError{Stage: stageName, Name: name, Expected: p.Kind.String(), Value: raw})
			continue
		}
		values[name] = v
	}
	var unknown []string
	for name := range supplied {
		if _, ok := opts[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		known := make([]string, 0, len(opts))
		for name := range opts {
			known = append(known, name)
		}
		result = multierror.Append(result, errors.UnknownConfigError{Stage: stageName, Names: unknown, Known: known})
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &Config{values: values}, nil
}

// Set overrides one parameter value after construction
func (c *Config) Set(name string, value interface{}) {
	c.values[name] = value
}

// GetInt returns an int-kind parameter value
func (c *Config) GetInt(name string) int {
	v, _ := c.values[name].(int)
	return v
}

// GetFloat returns a float-kind parameter value
func (c *Config) GetFloat(name string) float64 {
	v, _ := c.values[name].(float64)
	return v
}

// GetBool returns a bool-kind parameter value
func (c *Config) GetBool(name string) bool {
	v, _ := c.values[name].(bool)
	return v
}

// GetString returns a string-kind parameter value
func (c *Config) GetString(name string) string {
	v, _ := c.values[name].(string)
	return v
}

// GetStrings returns a string-list-kind parameter value
func (c *Config) GetStrings(name string) []string {
	v, _ := c.values[name].([]string)
	return v
}
