package distributed

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Environment variables read by FromEnv. They match what the launcher sets.
const (
	EnvRank       = "RANK"
	EnvWorldSize  = "WORLD_SIZE"
	EnvLocalRank  = "LOCAL_RANK"
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"

	DefaultMasterAddr = "localhost"
	DefaultMasterPort = 12355
)

// Rank identifies one participant of the process group.
type Rank struct {
	Rank      int
	LocalRank int
	WorldSize int
}

// Single is the rank of a process that runs alone.
var Single = Rank{Rank: 0, LocalRank: 0, WorldSize: 1}

// IsPrimary reports whether this is rank 0, the only rank allowed to perform
// side effects such as writing checkpoints or logging metrics.
func (r Rank) IsPrimary() bool {
	return r.Rank == 0
}

func (r Rank) String() string {
	return fmt.Sprintf("rank %d/%d (local %d)", r.Rank, r.WorldSize, r.LocalRank)
}

// Validate checks that the rank fits in the world.
func (r Rank) Validate() error {
	if r.WorldSize < 1 {
		return errors.Wrapf(ErrInitialization, "world size must be positive, got %d", r.WorldSize)
	}
	if r.Rank < 0 || r.Rank >= r.WorldSize {
		return errors.Wrapf(ErrInitialization, "rank %d out of range for world size %d", r.Rank, r.WorldSize)
	}
	if r.LocalRank < 0 {
		return errors.Wrapf(ErrInitialization, "local rank must not be negative, got %d", r.LocalRank)
	}
	return nil
}

// Bootstrap is everything needed to join a process group.
type Bootstrap struct {
	Rank Rank
	Addr string
	Port int
}

// FromEnv reads the rank layout and rendezvous address from the environment.
// Without RANK the process runs alone.
func FromEnv() (Bootstrap, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Bootstrap, error) {
	b := Bootstrap{Rank: Single, Addr: DefaultMasterAddr, Port: DefaultMasterPort}
	if v, ok := lookup(EnvMasterAddr); ok && v != "" {
		b.Addr = v
	}
	if v, ok := lookup(EnvMasterPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return b, errors.Wrapf(ErrInitialization, "invalid %s %q", EnvMasterPort, v)
		}
		b.Port = port
	}

	rankStr, ok := lookup(EnvRank)
	if !ok || rankStr == "" {
		return b, nil
	}

	ints := map[string]int{}
	for _, key := range []string{EnvRank, EnvWorldSize, EnvLocalRank} {
		v, ok := lookup(key)
		if !ok || v == "" {
			if key == EnvLocalRank {
				continue
			}
			return b, errors.Wrapf(ErrInitialization, "%s is set but %s is not", EnvRank, key)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return b, errors.Wrapf(ErrInitialization, "invalid %s %q", key, v)
		}
		ints[key] = n
	}

	b.Rank = Rank{Rank: ints[EnvRank], WorldSize: ints[EnvWorldSize], LocalRank: ints[EnvRank]}
	if lr, ok := ints[EnvLocalRank]; ok {
		b.Rank.LocalRank = lr
	}
	return b, b.Rank.Validate()
}

// Environ returns the variables a launcher sets for one worker.
func (b Bootstrap) Environ() []string {
	return []string{
		fmt.Sprintf("%s=%d", EnvRank, b.Rank.Rank),
		fmt.Sprintf("%s=%d", EnvWorldSize, b.Rank.WorldSize),
		fmt.Sprintf("%s=%d", EnvLocalRank, b.Rank.LocalRank),
		fmt.Sprintf("%s=%s", EnvMasterAddr, b.Addr),
		fmt.Sprintf("%s=%d", EnvMasterPort, b.Port),
	}
}
