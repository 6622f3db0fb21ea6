package checkpoints

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config configures a Store.
type Config struct {
	// Directory is <log_dir>/<run_name>.
	Directory string
	Format    Format
	// Primary marks the process that writes. Every other process turns Save
	// into a no-op so exactly one copy of each checkpoint exists.
	Primary bool
	// Mirror, when set, receives every successfully written file.
	Mirror Mirror
	Logger *zap.Logger
}

// Store reads and writes checkpoints named model-<milestone>.<ext>.
type Store struct {
	cfg Config
	lg  *zap.Logger
}

// NewStore creates a store. Nothing touches the filesystem until Save.
func NewStore(cfg Config) *Store {
	lg := cfg.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Store{cfg: cfg, lg: lg}
}

// Directory returns the directory checkpoints are written to.
func (s *Store) Directory() string {
	return s.cfg.Directory
}

// Path returns the file a milestone is saved to.
func (s *Store) Path(milestone string) string {
	return filepath.Join(s.cfg.Directory, fmt.Sprintf("model-%s.%s", milestone, s.cfg.Format.Ext()))
}

// Save writes the checkpoint under milestone and returns its path. Non-primary
// stores return "" and write nothing. The file is written to a temporary name,
// synced and renamed, so a crash never leaves a truncated checkpoint behind.
// Every failure wraps ErrWrite.
func (s *Store) Save(ctx context.Context, ckpt *Checkpoint, milestone string) (string, error) {
	if !s.cfg.Primary {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", writeFailure(err, "save %q", milestone)
	}
	ckpt.Metadata.fillDefaults(milestone)

	var (
		body []byte
		err  error
	)
	switch s.cfg.Format {
	case FormatJSON:
		body, err = MarshalJSONCheckpoint(ckpt)
	default:
		body, err = MarshalProto(ckpt)
	}
	if err != nil {
		return "", writeFailure(err, "encode %q", milestone)
	}

	path := s.Path(milestone)
	if err := writeAtomic(path, body); err != nil {
		return "", writeFailure(err, "save %q", milestone)
	}
	s.lg.Info("saved checkpoint",
		zap.String("path", path),
		zap.Int("step", ckpt.TrainingState.Step),
		zap.String("size", humanize.Bytes(uint64(len(body)))),
	)

	if s.cfg.Mirror != nil {
		if err := s.cfg.Mirror.Upload(ctx, path); err != nil {
			// the local checkpoint is complete; mirroring is best effort
			s.lg.Warn("failed to mirror checkpoint", zap.String("path", path), zap.Error(err))
		}
	}
	return path, nil
}

// writeError reports a failed save. It matches ErrWrite and still unwraps to
// the underlying cause, such as an *os.PathError.
type writeError struct {
	cause error
}

func writeFailure(err error, format string, args ...any) error {
	return &writeError{cause: errors.Wrapf(err, format, args...)}
}

func (e *writeError) Error() string {
	return ErrWrite.Error() + ": " + e.cause.Error()
}

func (e *writeError) Is(target error) bool {
	return target == ErrWrite
}

func (e *writeError) Unwrap() error {
	return e.cause
}

func writeAtomic(path string, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(body); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "failed to sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close checkpoint")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		committed = true
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Load reads the checkpoint saved under milestone.
func (s *Store) Load(milestone string) (*Checkpoint, error) {
	return Load(s.Path(milestone))
}

// Load reads a checkpoint file, picking the codec from its extension. A
// missing file yields ErrNotFound.
func Load(path string) (*Checkpoint, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s", path)
		}
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	if FormatForPath(path) == FormatJSON {
		return UnmarshalJSONCheckpoint(body)
	}
	return UnmarshalProto(body)
}

// Periodic lists checkpoints whose milestone is an integer, oldest first.
func (s *Store) Periodic() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "list %q", s.cfg.Directory)
	}

	type periodic struct {
		index int
		path  string
	}
	var found []periodic
	suffix := "." + s.cfg.Format.Ext()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "model-") || !strings.HasSuffix(name, suffix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "model-"), suffix))
		if err != nil {
			continue
		}
		found = append(found, periodic{index: idx, path: filepath.Join(s.cfg.Directory, name)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })

	paths := make([]string, len(found))
	for i, p := range found {
		paths[i] = p.path
	}
	return paths, nil
}

// Prune keeps the newest keep periodic checkpoints and removes the rest.
// Named milestones such as "best" are never removed. keep <= 0 keeps all.
func (s *Store) Prune(keep int) error {
	if !s.cfg.Primary || keep <= 0 {
		return nil
	}
	paths, err := s.Periodic()
	if err != nil {
		return err
	}
	if len(paths) <= keep {
		return nil
	}

	for _, p := range paths[:len(paths)-keep] {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove old checkpoint %s", p)
		}
		s.lg.Debug("removed old checkpoint", zap.String("path", p))
	}
	return nil
}
