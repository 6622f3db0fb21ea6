// Package config holds the nested experiment document shared by every entry
// point. Values stay untyped until they are read; lookups coerce on use and
// fall back to the caller's default when a key is absent.
package config

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// Config is a nested key/value document addressed with dotted paths such as
// "train.learning_rate".
type Config struct {
	values map[string]any
}

// New wraps values. A nil map yields an empty document.
func New(values map[string]any) *Config {
	if values == nil {
		values = map[string]any{}
	}
	return &Config{values: values}
}

// Load reads a YAML document from disk.
func Load(p string) (*Config, error) {
	d, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %q", p)
	}
	cfg, err := Parse(d)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %q", p)
	}
	return cfg, nil
}

// Parse decodes a YAML document whose top level must be a mapping.
func Parse(d []byte) (*Config, error) {
	var values map[string]any
	if err := yaml.Unmarshal(d, &values); err != nil {
		return nil, err
	}
	return New(values), nil
}

// Values returns the underlying document.
func (c *Config) Values() map[string]any {
	return c.values
}

// Lookup returns the raw value at path.
func (c *Config) Lookup(path string) (any, bool) {
	if c == nil {
		return nil, false
	}
	var cur any = c.values
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

// Has reports whether path is set.
func (c *Config) Has(path string) bool {
	_, ok := c.Lookup(path)
	return ok
}

// Sub returns the section at path. A missing or non-mapping section yields an
// empty document so chained lookups fall back to their defaults.
func (c *Config) Sub(path string) *Config {
	v, ok := c.Lookup(path)
	if !ok {
		return New(nil)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return New(nil)
	}
	return New(m)
}

// Int reads an integer. Floats must be integral and strings must parse.
func (c *Config) Int(path string, def int) (int, error) {
	v, ok := c.Lookup(path)
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return def, errors.Errorf("config %s: %v is not an integer", path, x)
		}
		return int(x), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return def, errors.Errorf("config %s: %q is not an integer", path, x)
		}
		return n, nil
	}
	return def, errors.Errorf("config %s: unexpected type %T for an integer", path, v)
}

// Float reads a number.
func (c *Config) Float(path string, def float64) (float64, error) {
	v, ok := c.Lookup(path)
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return def, errors.Errorf("config %s: %q is not a number", path, x)
		}
		return f, nil
	}
	return def, errors.Errorf("config %s: unexpected type %T for a number", path, v)
}

// String reads a scalar as text.
func (c *Config) String(path string, def string) (string, error) {
	v, ok := c.Lookup(path)
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case bool, int, int64:
		return fmt.Sprint(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	}
	return def, errors.Errorf("config %s: unexpected type %T for a string", path, v)
}

// Bool reads a boolean. Strings accepted by strconv.ParseBool and the YAML
// spellings yes/no/on/off are coerced.
func (c *Config) Bool(path string, def bool) (bool, error) {
	v, ok := c.Lookup(path)
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "yes", "on":
			return true, nil
		case "no", "off":
			return false, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return def, errors.Errorf("config %s: %q is not a boolean", path, x)
		}
		return b, nil
	case float64:
		return x != 0, nil
	}
	return def, errors.Errorf("config %s: unexpected type %T for a boolean", path, v)
}

// Set stores value at path, creating intermediate sections. An intermediate
// scalar is replaced by a section.
func (c *Config) Set(path string, value any) {
	keys := strings.Split(path, ".")
	m := c.values
	for _, key := range keys[:len(keys)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[key] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = value
}

// Delete removes path. It reports whether anything was removed.
func (c *Config) Delete(path string) bool {
	keys := strings.Split(path, ".")
	m := c.values
	for _, key := range keys[:len(keys)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			return false
		}
		m = next
	}
	last := keys[len(keys)-1]
	if _, ok := m[last]; !ok {
		return false
	}
	delete(m, last)
	return true
}

// Merge deep-merges other into c. Sections merge key by key; any other value
// in other replaces the one in c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	mergeInto(c.values, other.values)
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sm, srcIsMap := v.(map[string]any)
		dm, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeInto(dm, sm)
			continue
		}
		if srcIsMap {
			cp := map[string]any{}
			mergeInto(cp, sm)
			dst[k] = cp
			continue
		}
		dst[k] = v
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := New(nil)
	mergeInto(cp.values, c.values)
	return cp
}

// ApplyOverrides applies command-line overrides of the form "a.b=value".
// "+a.b=value" adds a key and "~a.b" removes one. Values are decoded as YAML
// scalars or flow collections, so "3" is a number and "[1,2]" a list.
func (c *Config) ApplyOverrides(overrides []string) error {
	for _, ov := range overrides {
		if strings.HasPrefix(ov, "~") {
			key := strings.SplitN(strings.TrimPrefix(ov, "~"), "=", 2)[0]
			if !c.Delete(key) {
				return errors.Errorf("override %q: key %q is not set", ov, key)
			}
			continue
		}
		key, raw, ok := strings.Cut(ov, "=")
		if !ok || key == "" {
			return errors.Errorf("override %q: expected key=value", ov)
		}
		if strings.HasPrefix(key, "+") {
			key = strings.TrimPrefix(key, "+")
			if c.Has(key) {
				return errors.Errorf("override %q: key %q is already set", ov, key)
			}
		}
		c.Set(key, ParseValue(raw))
	}
	return nil
}

// ParseValue decodes a single override value. Only "true" and "false" become
// booleans; YAML 1.1 spellings such as "no" or "on" stay strings.
func ParseValue(raw string) any {
	if raw == "" {
		return ""
	}
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
		return raw
	}
	if _, ok := v.(bool); ok {
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "false":
		default:
			return raw
		}
	}
	return v
}

// Flatten returns every leaf keyed by its path joined with sep. Lists are
// rendered as text.
func (c *Config) Flatten(sep string) map[string]any {
	out := map[string]any{}
	flatten(out, "", sep, c.values)
	return out
}

func flatten(out map[string]any, prefix, sep string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + sep + k
		}
		switch x := v.(type) {
		case map[string]any:
			flatten(out, key, sep, x)
		case []any:
			out[key] = fmt.Sprint(x)
		default:
			out[key] = x
		}
	}
}

// Keys returns the top-level keys in sorted order.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dump renders the document as YAML.
func (c *Config) Dump() ([]byte, error) {
	d, err := yaml.Marshal(c.values)
	if err != nil {
		return nil, errors.Wrap(err, "failed to 'yaml.Marshal'")
	}
	return d, nil
}

// Sync writes the document to p.
func (c *Config) Sync(p string) error {
	d, err := c.Dump()
	if err != nil {
		return err
	}
	return os.WriteFile(p, d, 0o600)
}
