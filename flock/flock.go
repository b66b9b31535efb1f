// Package flock implements a cooperative exclusive lock on a database
// directory.
//
// The lock is a sentinel file inside the directory. The holder keeps an
// exclusive flock(2) handle on the sentinel, refreshes its timestamp from a
// background ticker and watches the directory with fsnotify so a sentinel
// removed from under it is re-asserted. Other processes decide liveness from
// the flock plus the timestamp.
package flock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/jemdb/jemdb/codec"
)

// SentinelName is the name of the lock file created inside the database
// directory.
const SentinelName = "jemdb.lock"

// ErrLocked is returned when another live holder owns the directory.
var ErrLocked = errors.New("database directory is locked")

// Mode selects how an existing sentinel is treated on acquisition.
type Mode int

const (
	// ModeHard fails whenever a sentinel is present, live or not.
	ModeHard Mode = iota
	// ModeSoft steals a sentinel that is not flock-held, or whose timestamp
	// is older than the grace period.
	ModeSoft
	// ModeIgnore acquires regardless of any existing sentinel.
	ModeIgnore
)

// Options configure lock acquisition.
type Options struct {
	// Grace is the staleness threshold for ModeSoft.
	Grace time.Duration
	// RefreshInterval is how often the holder rewrites the sentinel
	// timestamp.
	RefreshInterval time.Duration
	// Logger receives watcher diagnostics. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions are the defaults used by Acquire.
var DefaultOptions = Options{
	Grace:           30 * time.Second,
	RefreshInterval: 5 * time.Second,
}

type payload struct {
	Holder string `json:"holder"`
	PID    int    `json:"pid"`
	Time   int64  `json:"time"` // unix milliseconds
}

// Lock is a held directory lock. Release it exactly once.
type Lock struct {
	dir    string
	path   string
	holder string
	opts   Options

	mu   sync.Mutex
	file *os.File

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Acquire takes the directory lock in the given mode.
func Acquire(dir string, mode Mode, optFns ...func(o *Options)) (*Lock, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	path := filepath.Join(dir, SentinelName)

	if _, err := os.Stat(path); err == nil {
		switch mode {
		case ModeHard:
			return nil, fmt.Errorf("%w: sentinel %s present", ErrLocked, path)
		case ModeSoft:
			if err := stealIfStale(path, opts.Grace); err != nil {
				return nil, err
			}
		case ModeIgnore:
			_ = os.Remove(path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat sentinel: %w", err)
	}

	l := &Lock{
		dir:    dir,
		path:   path,
		holder: uuid.NewString(),
		opts:   opts,
		stopCh: make(chan struct{}),
	}
	if err := l.assert(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = l.dropFile()
		return nil, fmt.Errorf("failed to create lock watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		_ = l.dropFile()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	l.watcher = watcher

	l.wg.Add(1)
	go l.watch()

	return l, nil
}

// stealIfStale decides whether an existing sentinel may be taken over.
func stealIfStale(path string, grace time.Duration) error {
	f, err := os.Open(path) //nolint:gosec // path is inside the managed dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open sentinel: %w", err)
	}
	defer func() { _ = f.Close() }()

	// A live holder keeps an exclusive flock on the sentinel. If we can take
	// a shared one, the holder process is gone and the file is stealable.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err == nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return os.Remove(path)
	}

	var p payload
	raw, err := os.ReadFile(path) //nolint:gosec // same managed path
	if err == nil && codec.Default.Unmarshal(raw, &p) == nil {
		age := time.Since(time.UnixMilli(p.Time))
		if age > grace {
			return os.Remove(path)
		}
	}

	return fmt.Errorf("%w: held by live process", ErrLocked)
}

// assert creates the sentinel, flocks it and writes the holder payload.
func (l *Lock) assert() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // managed path
	if err != nil {
		return fmt.Errorf("failed to create sentinel: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: flock: %v", ErrLocked, err)
	}

	l.mu.Lock()
	l.file = f
	l.mu.Unlock()

	return l.refresh()
}

// refresh rewrites the payload with a fresh timestamp.
func (l *Lock) refresh() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}

	raw, err := codec.Default.Marshal(payload{
		Holder: l.holder,
		PID:    os.Getpid(),
		Time:   time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	if _, err := l.file.WriteAt(raw, 0); err != nil {
		return err
	}

	return l.file.Sync()
}

func (l *Lock) dropFile() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// watch refreshes the sentinel and re-asserts it if it disappears.
func (l *Lock) watch() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if err := l.refresh(); err != nil {
				l.opts.Logger.Error("lock refresh failed", "path", l.path, "error", err)
			}
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != l.path {
				continue
			}
			if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
				l.opts.Logger.Warn("lock sentinel removed externally, re-asserting", "path", l.path)
				_ = l.dropFile()
				if err := l.assert(); err != nil {
					l.opts.Logger.Error("failed to re-assert lock sentinel", "path", l.path, "error", err)
				}
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.opts.Logger.Error("lock watcher error", "error", err)
		}
	}
}

// Holder returns the unique token written into the sentinel.
func (l *Lock) Holder() string { return l.holder }

// Release stops the watcher, drops the flock handle and removes the
// sentinel.
func (l *Lock) Release() error {
	close(l.stopCh)
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
	l.wg.Wait()

	if err := l.dropFile(); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove sentinel: %w", err)
	}
	return nil
}

// WaitReleased polls until no sentinel exists or the context is done.
// It is a test helper for handover scenarios.
func WaitReleased(ctx context.Context, dir string) error {
	path := filepath.Join(dir, SentinelName)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
