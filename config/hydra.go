package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

const selfEntry = "_self_"

// defaultEntry is one element of a composed document's defaults list: either
// the document itself, a plain file, or a group option loaded from
// <dir>/<group>/<option>.yaml and placed under the group's key.
type defaultEntry struct {
	group  string
	option string
	file   string
	self   bool
}

// LoadHydra composes a document the Hydra way. The primary file
// <dir>/<name>.yaml may carry a "defaults" list; entries are merged in order
// and the primary document itself is merged where "_self_" appears, or last
// when it does not. Overrides whose key names a defaults group ("model=big")
// select another option of that group; every other override is applied to
// the composed result.
func LoadHydra(dir, name string, overrides []string) (*Config, error) {
	if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
		name += ".yaml"
	}
	primary, err := Load(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}

	entries, err := parseDefaults(primary)
	if err != nil {
		return nil, err
	}
	primary.Delete("defaults")

	var rest []string
	for _, ov := range overrides {
		key, val, ok := strings.Cut(ov, "=")
		if ok && !strings.ContainsAny(key, ".+~") && selectGroup(entries, key, val) {
			continue
		}
		rest = append(rest, ov)
	}

	out := New(nil)
	sawSelf := false
	for _, e := range entries {
		switch {
		case e.self:
			sawSelf = true
			out.Merge(primary)
		case e.file != "":
			doc, err := Load(filepath.Join(dir, withExt(e.file)))
			if err != nil {
				return nil, err
			}
			out.Merge(doc)
		default:
			doc, err := Load(filepath.Join(dir, e.group, withExt(e.option)))
			if err != nil {
				return nil, errors.Wrapf(err, "defaults group %q", e.group)
			}
			wrapped := New(nil)
			wrapped.Set(e.group, doc.values)
			out.Merge(wrapped)
		}
	}
	if !sawSelf {
		out.Merge(primary)
	}

	if err := out.ApplyOverrides(rest); err != nil {
		return nil, err
	}
	return out, nil
}

func withExt(name string) string {
	if filepath.Ext(name) == "" {
		return name + ".yaml"
	}
	return name
}

func parseDefaults(c *Config) ([]defaultEntry, error) {
	raw, ok := c.Lookup("defaults")
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.Errorf("defaults must be a list, got %T", raw)
	}
	entries := make([]defaultEntry, 0, len(list))
	for _, item := range list {
		switch x := item.(type) {
		case string:
			if x == selfEntry {
				entries = append(entries, defaultEntry{self: true})
			} else {
				entries = append(entries, defaultEntry{file: x})
			}
		case map[string]any:
			if len(x) != 1 {
				return nil, errors.Errorf("defaults entry %v must have exactly one key", x)
			}
			for g, o := range x {
				opt, ok := o.(string)
				if !ok {
					return nil, errors.Errorf("defaults entry %q: option must be a string, got %T", g, o)
				}
				entries = append(entries, defaultEntry{group: g, option: opt})
			}
		default:
			return nil, errors.Errorf("unexpected defaults entry %v (%T)", item, item)
		}
	}
	return entries, nil
}

func selectGroup(entries []defaultEntry, group, option string) bool {
	for i := range entries {
		if entries[i].group == group {
			entries[i].option = option
			return true
		}
	}
	return false
}

// RunDir returns the per-run output directory outputs/<date>/<time> under
// root.
func RunDir(root string, now time.Time) string {
	return filepath.Join(root, now.Format("2006-01-02"), now.Format("15-04-05"))
}

// WriteRun records the resolved document and the overrides that produced it
// under <dir>/.hydra, creating dir.
func WriteRun(dir string, c *Config, overrides []string) error {
	meta := filepath.Join(dir, ".hydra")
	if err := os.MkdirAll(meta, 0o755); err != nil {
		return errors.Wrapf(err, "create %q", meta)
	}
	if err := c.Sync(filepath.Join(meta, "config.yaml")); err != nil {
		return err
	}
	if overrides == nil {
		overrides = []string{}
	}
	d, err := yaml.Marshal(overrides)
	if err != nil {
		return errors.Wrap(err, "failed to 'yaml.Marshal' overrides")
	}
	return os.WriteFile(filepath.Join(meta, "overrides.yaml"), d, 0o600)
}
