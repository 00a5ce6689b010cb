package registry

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
)

// OptionType is the declared type of an agent option.
type OptionType string

const (
	TypeString OptionType = "string"
	TypeNumber OptionType = "number"
	TypeBool   OptionType = "bool"
	TypeBlob   OptionType = "blob"
)

// Transport selects how an option reaches the agent.
type Transport string

const (
	TransportEnv Transport = "env"
	TransportFS  Transport = "fs"
)

// OptionSpec declares one agent option.
type OptionSpec struct {
	Type      OptionType
	Transport Transport
	Required  bool
	Secret    bool
	Default   *Value
}

// Value is a typed option value.
type Value struct {
	Type   OptionType `yaml:"type" json:"type"`
	String string     `yaml:"string,omitempty" json:"string,omitempty"`
	Number float64    `yaml:"number,omitempty" json:"number,omitempty"`
	Bool   bool       `yaml:"bool,omitempty" json:"bool,omitempty"`
	Blob   []byte     `yaml:"blob,omitempty" json:"blob,omitempty"`
}

func StringValue(s string) Value  { return Value{Type: TypeString, String: s} }
func NumberValue(n float64) Value { return Value{Type: TypeNumber, Number: n} }
func BoolValue(b bool) Value      { return Value{Type: TypeBool, Bool: b} }
func BlobValue(b []byte) Value    { return Value{Type: TypeBlob, Blob: b} }

// ParseValue interprets raw text as a value of type t. Blobs are base64.
func ParseValue(t OptionType, raw string) (Value, error) {
	switch t {
	case TypeString, "":
		return StringValue(raw), nil
	case TypeNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", raw, err)
		}
		return NumberValue(n), nil
	case TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, fmt.Errorf("invalid bool %q: %w", raw, err)
		}
		return BoolValue(b), nil
	case TypeBlob:
		b, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Value{}, fmt.Errorf("invalid base64 blob: %w", err)
		}
		return BlobValue(b), nil
	default:
		return Value{}, fmt.Errorf("unknown option type %q", t)
	}
}

// Text renders the value as the string an environment variable would carry.
func (v Value) Text() string {
	switch v.Type {
	case TypeNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	case TypeBlob:
		return base64.StdEncoding.EncodeToString(v.Blob)
	default:
		return v.String
	}
}

// Bytes renders the value as file content.
func (v Value) Bytes() []byte {
	if v.Type == TypeBlob {
		return v.Blob
	}
	return []byte(v.Text())
}

// Materialized is an option ready for delivery: an env string or file bytes.
type Materialized struct {
	Transport Transport
	Env       string
	File      []byte
}

// Materialize converts a resolved value according to its option's transport.
func Materialize(spec OptionSpec, v Value) (Materialized, error) {
	if spec.Type != "" && v.Type != spec.Type {
		return Materialized{}, fmt.Errorf("value of type %s given for %s option", v.Type, spec.Type)
	}
	switch spec.Transport {
	case TransportEnv, "":
		return Materialized{Transport: TransportEnv, Env: v.Text()}, nil
	case TransportFS:
		return Materialized{Transport: TransportFS, File: v.Bytes()}, nil
	default:
		return Materialized{}, fmt.Errorf("unknown option transport %q", spec.Transport)
	}
}

// ResolveOptions merges supplied values with defaults and checks them against the
// agent's declarations. Unknown and missing required options are errors.
func (a *Agent) ResolveOptions(values map[string]Value) (map[string]Value, error) {
	out := make(map[string]Value, len(a.Options))
	for name, v := range values {
		spec, ok := a.Options[name]
		if !ok {
			return nil, fmt.Errorf("agent %s: unknown option %q", a.ID, name)
		}
		if spec.Type != "" && v.Type != spec.Type {
			return nil, fmt.Errorf("agent %s: option %q expects %s, got %s", a.ID, name, spec.Type, v.Type)
		}
		out[name] = v
	}

	names := make([]string, 0, len(a.Options))
	for name := range a.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := out[name]; ok {
			continue
		}
		spec := a.Options[name]
		switch {
		case spec.Default != nil:
			out[name] = *spec.Default
		case spec.Required:
			return nil, fmt.Errorf("agent %s: required option %q has no value", a.ID, name)
		}
	}
	return out, nil
}
