// Package clonepool manages the on-disk git working directories.
//
// Per repository a small fixed roster of clone directories exists. A worker
// leases one directory exclusively for the duration of a job and returns it
// afterwards. When all directories stay checked out for too long the roster
// is rebuilt with fresh paths, a stuck or corrupted working tree then stops
// blocking new jobs.
package clonepool

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octobot/octobot/internal/event"
	"github.com/octobot/octobot/internal/logfields"
)

const (
	// DefAcquireBackoff is the pause between attempts to lease a clone
	// directory when all are checked out.
	DefAcquireBackoff = 500 * time.Millisecond
	// DefAcquireMaxWaiting is how long Acquire waits for a free directory
	// before the roster is rebuilt.
	DefAcquireMaxWaiting = time.Minute
)

const loggerName = "clone_pool"

// Lease is the exclusive reservation of one clone directory.
type Lease struct {
	Key event.RepoKey

	path       string
	index      int
	generation uint64
}

// Path returns the working directory of the lease.
// The directory may not exist yet, the clone step of the job creates it.
func (l *Lease) Path() string {
	return l.path
}

type roster struct {
	free       []int
	nextIndex  int
	generation uint64
}

// Pool hands out clone directory leases, partitioned per repository.
type Pool struct {
	rootDir string
	slots   int

	acquireBackoff    time.Duration
	acquireMaxWaiting time.Duration

	mu     sync.Mutex
	repos  map[event.RepoKey]*roster
	logger *zap.Logger
}

func New(rootDir string, slotsPerRepo int) *Pool {
	return &Pool{
		rootDir:           rootDir,
		slots:             slotsPerRepo,
		acquireBackoff:    DefAcquireBackoff,
		acquireMaxWaiting: DefAcquireMaxWaiting,
		repos:             map[event.RepoKey]*roster{},
		logger:            zap.L().Named(loggerName),
	}
}

func newRoster(startIndex int, slots int, generation uint64) *roster {
	r := roster{
		nextIndex:  startIndex + slots,
		generation: generation,
	}

	for i := 0; i < slots; i++ {
		r.free = append(r.free, startIndex+i)
	}

	return &r
}

// Acquire leases a clone directory for the repository.
// When all directories are checked out it waits, after a minute without a
// free directory the roster is rebuilt with fresh indices and a directory
// from the new roster is returned.
func (p *Pool) Acquire(ctx context.Context, key event.RepoKey) (*Lease, error) {
	var waited time.Duration

	for {
		if lease := p.tryAcquire(key); lease != nil {
			return lease, nil
		}

		if waited >= p.acquireMaxWaiting {
			p.rebuild(key)

			p.logger.Warn(
				"no clone directory became free, roster rebuilt with fresh paths",
				append(key.LogFields(),
					logfields.Event("clone_pool_roster_rebuilt"),
					zap.Duration("waited", waited),
				)...,
			)

			waited = 0
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.acquireBackoff):
			waited += p.acquireBackoff
		}
	}
}

func (p *Pool) tryAcquire(key event.RepoKey) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, exist := p.repos[key]
	if !exist {
		r = newRoster(1, p.slots, 0)
		p.repos[key] = r
	}

	if len(r.free) == 0 {
		return nil
	}

	index := r.free[0]
	r.free = r.free[1:]

	return &Lease{
		Key:        key,
		path:       p.dir(key, index),
		index:      index,
		generation: r.generation,
	}
}

func (p *Pool) rebuild(key event.RepoKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.repos[key]
	p.repos[key] = newRoster(old.nextIndex, p.slots, old.generation+1)
}

// Release returns the lease to the roster.
// Leases from a roster that has been rebuilt in the meantime are discarded,
// their directories are not reused.
func (p *Pool) Release(lease *Lease) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, exist := p.repos[lease.Key]
	if !exist || r.generation != lease.generation {
		p.logger.Debug(
			"released lease from rebuilt roster discarded",
			append(lease.Key.LogFields(),
				logfields.Event("clone_pool_stale_lease_discarded"),
				logfields.CloneDir(lease.path),
			)...,
		)

		return
	}

	r.free = append(r.free, lease.index)
}

func (p *Pool) dir(key event.RepoKey, index int) string {
	return filepath.Join(p.rootDir, key.Host, key.Owner, key.Repo, strconv.Itoa(index))
}

func (p *Pool) String() string {
	return fmt.Sprintf("clone pool at %s, %d slots per repository", p.rootDir, p.slots)
}
