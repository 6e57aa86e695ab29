package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// DurationError reports a value that is not a duration. Line and Column
// are set for YAML input.
type DurationError struct {
	Value  string
	Line   int
	Column int
	Err    error
}

func (e *DurationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %q is not a duration", e.Line, e.Value)
	}
	return fmt.Sprintf("%q is not a duration", e.Value)
}

func (e *DurationError) Unwrap() error { return e.Err }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if node.Kind != yaml.ScalarNode || err != nil {
		return &DurationError{Value: node.Value, Line: node.Line, Column: node.Column, Err: err}
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return &DurationError{Value: string(data), Err: err}
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return &DurationError{Value: s, Err: err}
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
