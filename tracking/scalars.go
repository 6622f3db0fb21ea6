package tracking

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	ScalarsFile = "scalars.jsonl"
	HParamsFile = "hparams.json"
)

// Scalar is one line of the scalars file.
type Scalar struct {
	Run   string    `json:"run"`
	Tag   string    `json:"tag"`
	Step  int       `json:"step"`
	Value float64   `json:"value"`
	Time  time.Time `json:"time"`
}

// ScalarWriter appends scalars to <dir>/scalars.jsonl and writes the run's
// hyperparameters to <dir>/hparams.json.
type ScalarWriter struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	run  string
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
	done bool
}

// NewScalarWriter creates the writer. Files are opened by Init.
func NewScalarWriter(dir string) *ScalarWriter {
	return &ScalarWriter{dir: dir, now: time.Now}
}

func (s *ScalarWriter) Init(runName string, hparams map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		return errors.New("scalar writer already initialized")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %q", s.dir)
	}
	d, err := json.MarshalIndent(map[string]any{"run": runName, "hparams": hparams}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode hparams")
	}
	if err := os.WriteFile(filepath.Join(s.dir, HParamsFile), d, 0o644); err != nil {
		return errors.Wrap(err, "write hparams")
	}
	f, err := os.OpenFile(filepath.Join(s.dir, ScalarsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open scalars")
	}
	s.run = runName
	s.f = f
	s.w = bufio.NewWriter(f)
	s.enc = json.NewEncoder(s.w)
	return nil
}

func (s *ScalarWriter) Log(values map[string]float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil || s.done {
		return errors.New("scalar writer is not open")
	}
	ts := s.now().UTC()
	for _, tag := range sortedTags(values) {
		if err := s.enc.Encode(Scalar{Run: s.run, Tag: tag, Step: step, Value: values[tag], Time: ts}); err != nil {
			return errors.Wrapf(err, "write scalar %q", tag)
		}
	}
	return s.w.Flush()
}

func (s *ScalarWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil || s.done {
		return nil
	}
	s.done = true
	ferr := s.w.Flush()
	cerr := s.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// ReadScalars loads every line of a scalars file.
func ReadScalars(p string) ([]Scalar, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Scalar
	dec := json.NewDecoder(f)
	for dec.More() {
		var s Scalar
		if err := dec.Decode(&s); err != nil {
			return nil, errors.Wrapf(err, "decode %q", p)
		}
		out = append(out, s)
	}
	return out, nil
}
