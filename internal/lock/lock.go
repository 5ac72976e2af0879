// Package lock guards repo-store mirrors against concurrent mutation. Two
// run-start jobs for the same repository may land on different workers;
// clone and fetch into the shared bare mirror must not interleave.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// LeaseFileName is the lease file written next to the guarded directory.
const LeaseFileName = "mirror.lock"

// DefaultTTL bounds how long a crashed holder can block others.
const DefaultTTL = 2 * time.Minute

// Lease is the on-disk lock state.
type Lease struct {
	Owner     string    `yaml:"owner"`
	Host      string    `yaml:"host"`
	PID       int       `yaml:"pid"`
	Acquired  time.Time `yaml:"acquired"`
	ExpiresAt time.Time `yaml:"expires_at"`
}

// HeldError reports a live lease owned by someone else.
type HeldError struct {
	Path  string
	Owner string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s is locked by %s", e.Path, e.Owner)
}

// Guard serializes mutation of one directory through a lease file.
type Guard struct {
	dir   string
	owner string
	host  string
	ttl   time.Duration
}

// NewGuard creates a guard for dir. TTL <= 0 uses DefaultTTL.
func NewGuard(dir string, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	host, _ := os.Hostname()
	return &Guard{
		dir:   dir,
		owner: fmt.Sprintf("%s:%d", host, os.Getpid()),
		host:  host,
		ttl:   ttl,
	}
}

func (g *Guard) leasePath() string {
	return filepath.Join(g.dir, LeaseFileName)
}

// Acquire claims the lease. It succeeds when no lease exists, when the
// existing lease is ours, or when the existing lease is stale (expired, or
// its holder died on this host). Otherwise it returns *HeldError.
func (g *Guard) Acquire() error {
	existing, err := g.read()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read lease: %w", err)
	}
	if existing != nil && existing.Owner != g.owner && !g.stale(existing) {
		return &HeldError{Path: g.dir, Owner: existing.Owner}
	}

	now := time.Now().UTC()
	lease := &Lease{
		Owner:     g.owner,
		Host:      g.host,
		PID:       os.Getpid(),
		Acquired:  now,
		ExpiresAt: now.Add(g.ttl),
	}
	return g.write(lease)
}

// Renew extends our lease. Call it around long fetches.
func (g *Guard) Renew() error {
	existing, err := g.read()
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}
	if existing.Owner != g.owner {
		return &HeldError{Path: g.dir, Owner: existing.Owner}
	}
	existing.ExpiresAt = time.Now().UTC().Add(g.ttl)
	return g.write(existing)
}

// Release drops the lease if we still hold it. Releasing a lease someone
// else claimed after our expiry is a no-op.
func (g *Guard) Release() error {
	existing, err := g.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lease: %w", err)
	}
	if existing.Owner != g.owner {
		return nil
	}
	if err := os.Remove(g.leasePath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}

// Holder returns the current lease, or nil when the directory is unlocked.
func (g *Guard) Holder() (*Lease, error) {
	lease, err := g.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if g.stale(lease) {
		return nil, nil
	}
	return lease, nil
}

// stale reports whether a lease no longer protects anything: past its
// expiry, or held by a process on this host that is gone.
func (g *Guard) stale(lease *Lease) bool {
	if time.Now().After(lease.ExpiresAt) {
		return true
	}
	if lease.Host == g.host && lease.PID > 0 && !processAlive(lease.PID) {
		return true
	}
	return false
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (g *Guard) read() (*Lease, error) {
	data, err := os.ReadFile(g.leasePath())
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := yaml.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("parse lease: %w", err)
	}
	return &lease, nil
}

// SweepStale walks root for lease files left behind by crashed holders and
// removes the stale ones. Unparseable lease files count as stale; live
// leases are left alone. Returns how many were removed.
func SweepStale(root string) (int, error) {
	removed := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || info.Name() != LeaseFileName {
			return nil
		}

		guard := NewGuard(filepath.Dir(path), 0)
		lease, rerr := guard.read()
		if rerr == nil && !guard.stale(lease) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale lease %s: %w", path, err)
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep leases: %w", err)
	}
	return removed, nil
}

func (g *Guard) write(lease *Lease) error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	data, err := yaml.Marshal(lease)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}

	// Temp-and-rename so a reader never sees a torn lease.
	tmp := g.leasePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write lease: %w", err)
	}
	if err := os.Rename(tmp, g.leasePath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename lease: %w", err)
	}
	return nil
}
