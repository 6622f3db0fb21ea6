package model

import "strings"

// WrapperPrefix is the name prefix a data-parallel wrapper puts in front of
// every parameter of the module it wraps.
const WrapperPrefix = "module."

// Namer maps between canonical parameter names (as the bare module reports
// them) and the names a live, possibly wrapped, model exposes. The namer is
// chosen once when the model is prepared, never by inspecting the model.
type Namer interface {
	// Wrap turns a canonical name into the live model's name.
	Wrap(name string) string
	// Unwrap turns any stored name, wrapped or not, into the canonical name.
	Unwrap(name string) string
}

// PlainNamer is used for models that are not wrapped.
type PlainNamer struct{}

func (PlainNamer) Wrap(name string) string { return name }

func (PlainNamer) Unwrap(name string) string { return strings.TrimPrefix(name, WrapperPrefix) }

// PrefixNamer is used for wrapped models.
type PrefixNamer struct {
	Prefix string
}

func (n PrefixNamer) Wrap(name string) string {
	if strings.HasPrefix(name, n.Prefix) {
		return name
	}
	return n.Prefix + name
}

func (n PrefixNamer) Unwrap(name string) string { return strings.TrimPrefix(name, n.Prefix) }
