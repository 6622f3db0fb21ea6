package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDoc = `
experiment:
  seed: 7
  run_name: unit
train:
  learning_rate: 1e-4
  steps: "300"
  batch_size: 32.0
  save_periodic: yes
  mixed_precision: fp16
  tags: [a, b]
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestTypedLookups(t *testing.T) {
	cfg, err := Parse([]byte(testDoc))
	require.NoError(t, err)

	seed, err := cfg.Int("experiment.seed", 0)
	require.NoError(t, err)
	assert.Equal(t, 7, seed)

	lr, err := cfg.Float("train.learning_rate", 0)
	require.NoError(t, err)
	assert.InDelta(t, 1e-4, lr, 1e-12)

	steps, err := cfg.Int("train.steps", 0)
	require.NoError(t, err)
	assert.Equal(t, 300, steps)

	bs, err := cfg.Int("train.batch_size", 0)
	require.NoError(t, err)
	assert.Equal(t, 32, bs)

	periodic, err := cfg.Bool("train.save_periodic", false)
	require.NoError(t, err)
	assert.True(t, periodic)

	mp, err := cfg.String("train.mixed_precision", "no")
	require.NoError(t, err)
	assert.Equal(t, "fp16", mp)

	missing, err := cfg.Int("train.log_every", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, missing)

	name, err := cfg.Sub("experiment").String("run_name", "")
	require.NoError(t, err)
	assert.Equal(t, "unit", name)

	empty, err := cfg.Sub("nope").Int("x", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, empty)
}

func TestLookupCoercionErrors(t *testing.T) {
	cfg := New(map[string]any{
		"a": 1.5,
		"b": "many",
		"c": []any{1.0},
		"d": "perhaps",
	})
	_, err := cfg.Int("a", 0)
	assert.Error(t, err)
	_, err = cfg.Int("b", 0)
	assert.Error(t, err)
	_, err = cfg.Float("c", 0)
	assert.Error(t, err)
	_, err = cfg.Bool("d", false)
	assert.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg, err := Parse([]byte(testDoc))
	require.NoError(t, err)

	require.NoError(t, cfg.ApplyOverrides([]string{
		"train.steps=50",
		"train.mixed_precision=no",
		"+experiment.metrics_addr=:9090",
		"~train.tags",
		"model.embed_dim=8",
	}))

	steps, err := cfg.Int("train.steps", 0)
	require.NoError(t, err)
	assert.Equal(t, 50, steps)

	mp, err := cfg.String("train.mixed_precision", "")
	require.NoError(t, err)
	assert.Equal(t, "no", mp)

	addr, err := cfg.String("experiment.metrics_addr", "")
	require.NoError(t, err)
	assert.Equal(t, ":9090", addr)

	assert.False(t, cfg.Has("train.tags"))

	dim, err := cfg.Int("model.embed_dim", 0)
	require.NoError(t, err)
	assert.Equal(t, 8, dim)

	assert.Error(t, cfg.ApplyOverrides([]string{"no-equals-sign"}))
	assert.Error(t, cfg.ApplyOverrides([]string{"+train.steps=1"}))
	assert.Error(t, cfg.ApplyOverrides([]string{"~train.nothing"}))
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, "no", ParseValue("no"))
	assert.Equal(t, "off", ParseValue("off"))
	assert.Equal(t, "Yes", ParseValue("Yes"))
	assert.Equal(t, false, ParseValue("false"))
	assert.Equal(t, true, ParseValue("True"))
	assert.Equal(t, 3.0, ParseValue("3"))
	assert.Equal(t, []any{"a", "b"}, ParseValue("[a, b]"))
	assert.Equal(t, "", ParseValue(""))
	assert.Equal(t, "{broken", ParseValue("{broken"))
}

func TestFlattenAndDump(t *testing.T) {
	cfg, err := Parse([]byte(testDoc))
	require.NoError(t, err)

	flat := cfg.Flatten("/")
	assert.Equal(t, "unit", flat["experiment/run_name"])
	assert.Equal(t, 7.0, flat["experiment/seed"])
	assert.Equal(t, "[a b]", flat["train/tags"])

	d, err := cfg.Dump()
	require.NoError(t, err)
	back, err := Parse(d)
	require.NoError(t, err)
	assert.Equal(t, cfg.Values(), back.Values())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadShippedDefaults(t *testing.T) {
	cfg, err := Load("default.yaml")
	require.NoError(t, err)

	steps, err := cfg.Int("train.steps", 0)
	require.NoError(t, err)
	assert.Equal(t, 2000, steps)

	every, err := cfg.Int("train.save_checkpoint_every", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, every)
}

func TestLoadHydraComposesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.yaml", `
defaults:
  - model: small
  - _self_
mode: train
model:
  num_classes: 5
train:
  steps: 10
`)
	writeFile(t, dir, "model/small.yaml", "embed_dim: 8\nnum_classes: 3\n")
	writeFile(t, dir, "model/big.yaml", "embed_dim: 512\nnum_classes: 3\n")

	cfg, err := LoadHydra(dir, "main", nil)
	require.NoError(t, err)
	assert.False(t, cfg.Has("defaults"))

	dim, err := cfg.Int("model.embed_dim", 0)
	require.NoError(t, err)
	assert.Equal(t, 8, dim)

	classes, err := cfg.Int("model.num_classes", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, classes, "the primary document is merged after the group")

	cfg, err = LoadHydra(dir, "main.yaml", []string{"model=big", "train.steps=20", "mode=inference"})
	require.NoError(t, err)
	dim, err = cfg.Int("model.embed_dim", 0)
	require.NoError(t, err)
	assert.Equal(t, 512, dim)
	steps, err := cfg.Int("train.steps", 0)
	require.NoError(t, err)
	assert.Equal(t, 20, steps)
	mode, err := cfg.String("mode", "")
	require.NoError(t, err)
	assert.Equal(t, "inference", mode)
}

func TestLoadHydraSelfFirst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.yaml", `
defaults:
  - _self_
  - base
value: 1
`)
	writeFile(t, dir, "base.yaml", "value: 2\n")

	cfg, err := LoadHydra(dir, "main", nil)
	require.NoError(t, err)
	v, err := cfg.Int("value", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestLoadHydraMissingOption(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.yaml", "defaults:\n  - model: small\n")
	_, err := LoadHydra(dir, "main", nil)
	assert.Error(t, err)
}

func TestWriteRun(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	dir := RunDir(filepath.Join(t.TempDir(), "outputs"), now)
	assert.Equal(t, filepath.Join("2024-03-09", "14-05-06"), filepath.Join(filepath.Base(filepath.Dir(dir)), filepath.Base(dir)))

	cfg := New(map[string]any{"train": map[string]any{"steps": 3.0}})
	require.NoError(t, WriteRun(dir, cfg, []string{"train.steps=3"}))

	back, err := Load(filepath.Join(dir, ".hydra", "config.yaml"))
	require.NoError(t, err)
	steps, err := back.Int("train.steps", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, steps)
	assert.FileExists(t, filepath.Join(dir, ".hydra", "overrides.yaml"))
}
