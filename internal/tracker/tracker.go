package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gonz4lex/runelog/internal/ctxlog"
	"github.com/gonz4lex/runelog/internal/lockfile"
	"github.com/gonz4lex/runelog/internal/modelcodec"
)

const (
	mlrunsDirName   = ".mlruns"
	registryDirName = ".registry"
	metaFileName    = "meta.json"
	lockFileName    = ".lock"

	paramsDirName    = "params"
	metricsDirName   = "metrics"
	artifactsDirName = "artifacts"
)

// DefaultLockTimeout bounds the wait for any shared-counter lock. Counter
// critical sections are a directory scan plus one exclusive create, so a
// wait this long means contention from many writers or a stale lock.
const DefaultLockTimeout = 5 * time.Second

// Tracker is a handle on a tracking root. It holds no mutable run state;
// everything it needs per operation is re-derived from disk, so one Tracker
// may be shared freely across goroutines.
type Tracker struct {
	root        string
	mlrunsDir   string
	registryDir string
	codec       modelcodec.Codec
	lockTimeout time.Duration
}

// Option customizes a Tracker at Open time.
type Option func(*Tracker)

// WithCodec selects the model (de)serialization collaborator.
func WithCodec(c modelcodec.Codec) Option {
	return func(t *Tracker) { t.codec = c }
}

// WithLockTimeout bounds lock acquisition for shared-counter updates.
func WithLockTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.lockTimeout = d }
}

// Open initializes the tracking layout under root and returns a Tracker.
// The directories are created eagerly so that concurrent processes opening
// the same root race only on idempotent MkdirAll calls.
func Open(root string, opts ...Option) (*Tracker, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tracking root %q: %w", root, err)
	}

	t := &Tracker{
		root:        absRoot,
		mlrunsDir:   filepath.Join(absRoot, mlrunsDirName),
		registryDir: filepath.Join(absRoot, registryDirName),
		codec:       modelcodec.Msgpack{},
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}

	for _, dir := range []string{t.mlrunsDir, t.registryDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Op: "open tracking root", Err: err}
		}
	}
	return t, nil
}

// Root returns the absolute tracking root directory.
func (t *Tracker) Root() string {
	return t.root
}

// rootLock serializes the shared counters that live directly under .mlruns:
// experiment id allocation and global run id reservation.
func (t *Tracker) rootLock(ctx context.Context, op string) (*lockfile.Lock, error) {
	lock, err := lockfile.Acquire(ctx, filepath.Join(t.mlrunsDir, lockFileName), t.lockTimeout)
	if err != nil {
		return nil, &StorageError{Op: op, Err: err}
	}
	return lock, nil
}

// validateID rejects identifiers that cannot name a single directory entry.
func validateID(kind, id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return &InvalidIdentifierError{Kind: kind, ID: id}
	}
	return nil
}

// logger returns the context logger scoped to this tracker's root.
func (t *Tracker) logger(ctx context.Context) *slog.Logger {
	return ctxlog.FromContext(ctx).With("root", t.root)
}
