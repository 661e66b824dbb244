// Package respool hands out exclusive pairs of network ports to running
// phases from a fixed-size slot range. The allocation table is persisted on
// every mutation so a restart reloads exactly the allocations that were
// committed; leaked slots from crashed executors are recovered via ReapStale.
package respool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vk/phaseline/internal/ctxlog"
)

const (
	// DefaultCapacity is the number of port-pair slots in the pool.
	DefaultCapacity = 100
	// DefaultBasePort is the first port of slot zero.
	DefaultBasePort = 42000
	// DefaultStride is the offset between the two ports of a pair.
	DefaultStride = 100

	stateFileMode = 0o644
	stateDirMode  = 0o755
)

// ExhaustedError reports that no slot is free. It carries the current owner
// keys so operators can see who is holding the pool.
type ExhaustedError struct {
	Owners []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("resource pool exhausted: %d allocations held by [%s]",
		len(e.Owners), strings.Join(e.Owners, ", "))
}

// Allocation is one committed port pair.
type Allocation struct {
	PortA       int       `json:"port_a"`
	PortB       int       `json:"port_b"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Snapshot is a read-only view of pool occupancy.
type Snapshot struct {
	Allocated int `json:"allocated"`
	Available int `json:"available"`
	Total     int `json:"total"`
}

// Options configure a pool. Zero values fall back to the defaults above.
type Options struct {
	Path     string
	Capacity int
	BasePort int
	Stride   int
}

// Pool is the allocation table plus its persistence path. All mutating
// methods take the internal mutex around the full read-modify-persist
// sequence; callers may race freely.
type Pool struct {
	mu       sync.Mutex
	path     string
	capacity int
	basePort int
	stride   int
	owners   map[string]Allocation
}

// Open loads (or initializes) a pool persisted at opts.Path. A missing or
// unreadable state file degrades to an empty pool rather than failing.
func Open(ctx context.Context, opts Options) (*Pool, error) {
	if opts.Path == "" {
		return nil, errors.New("respool: state file path is required")
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.BasePort <= 0 {
		opts.BasePort = DefaultBasePort
	}
	if opts.Stride <= 0 {
		opts.Stride = DefaultStride
	}

	p := &Pool{
		path:     opts.Path,
		capacity: opts.Capacity,
		basePort: opts.BasePort,
		stride:   opts.Stride,
		owners:   make(map[string]Allocation),
	}

	logger := ctxlog.FromContext(ctx)
	data, err := os.ReadFile(opts.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run.
	case err != nil:
		logger.Warn("Pool state file unreadable, starting empty.", "path", opts.Path, "error", err)
	default:
		var owners map[string]Allocation
		if err := json.Unmarshal(data, &owners); err != nil {
			logger.Warn("Pool state file corrupt, starting empty.", "path", opts.Path, "error", err)
		} else {
			p.owners = owners
			logger.Debug("Pool state loaded.", "allocations", len(owners))
		}
	}
	return p, nil
}

// Reserve grants the lowest free port-pair slot to ownerKey. Calling it again
// for an owner that already holds an allocation returns the same pair, so a
// coordinator retrying after a crash cannot double-allocate. Returns
// *ExhaustedError when every slot is taken.
func (p *Pool) Reserve(ctx context.Context, ownerKey string) (Allocation, error) {
	if ownerKey == "" {
		return Allocation{}, errors.New("respool: owner key is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.owners[ownerKey]; ok {
		// Refresh the timestamp so a re-reserved slot is never older than
		// the allocation it confirms, keeping it out of ReapStale's reach.
		prior := existing
		existing.AllocatedAt = time.Now().UTC()
		p.owners[ownerKey] = existing
		if err := p.persist(); err != nil {
			p.owners[ownerKey] = prior
			return Allocation{}, err
		}
		return existing, nil
	}

	slot, ok := p.lowestFreeSlot()
	if !ok {
		return Allocation{}, &ExhaustedError{Owners: p.ownerKeys()}
	}

	alloc := Allocation{
		PortA:       p.basePort + slot,
		PortB:       p.basePort + p.stride + slot,
		AllocatedAt: time.Now().UTC(),
	}
	p.owners[ownerKey] = alloc
	if err := p.persist(); err != nil {
		delete(p.owners, ownerKey)
		return Allocation{}, err
	}

	ctxlog.FromContext(ctx).Debug("Pool slot reserved.", "owner", ownerKey, "port_a", alloc.PortA, "port_b", alloc.PortB)
	return alloc, nil
}

// Release frees the owner's allocation. Unknown keys are a no-op, reported
// through the boolean, not an error.
func (p *Pool) Release(ctx context.Context, ownerKey string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prior, ok := p.owners[ownerKey]
	if !ok {
		return false, nil
	}
	delete(p.owners, ownerKey)
	if err := p.persist(); err != nil {
		p.owners[ownerKey] = prior
		return false, err
	}

	ctxlog.FromContext(ctx).Debug("Pool slot released.", "owner", ownerKey)
	return true, nil
}

// Status returns a point-in-time occupancy snapshot.
func (p *Pool) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		Allocated: len(p.owners),
		Available: p.capacity - len(p.owners),
		Total:     p.capacity,
	}
}

// ReapStale removes allocations older than maxAge whose owner is no longer
// active according to the callback, returning how many were reclaimed. This
// recovers slots leaked by executors that crashed before releasing.
func (p *Pool) ReapStale(ctx context.Context, maxAge time.Duration, active func(ownerKey string) bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var stale []string
	for owner, alloc := range p.owners {
		if alloc.AllocatedAt.After(cutoff) {
			continue
		}
		if active != nil && active(owner) {
			continue
		}
		stale = append(stale, owner)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	for _, owner := range stale {
		delete(p.owners, owner)
	}
	if err := p.persist(); err != nil {
		return 0, err
	}

	ctxlog.FromContext(ctx).Info("Reaped stale pool allocations.", "count", len(stale), "owners", stale)
	return len(stale), nil
}

// lowestFreeSlot scans for the first slot index not held by any owner.
func (p *Pool) lowestFreeSlot() (int, bool) {
	taken := make(map[int]struct{}, len(p.owners))
	for _, alloc := range p.owners {
		taken[alloc.PortA-p.basePort] = struct{}{}
	}
	for slot := 0; slot < p.capacity; slot++ {
		if _, ok := taken[slot]; !ok {
			return slot, true
		}
	}
	return 0, false
}

// ownerKeys returns the current owners in sorted order.
func (p *Pool) ownerKeys() []string {
	keys := make([]string, 0, len(p.owners))
	for owner := range p.owners {
		keys = append(keys, owner)
	}
	sort.Strings(keys)
	return keys
}

// persist writes the full allocation table via a temp file and rename so a
// crash mid-write never leaves a truncated table. Callers hold the mutex.
func (p *Pool) persist() error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, stateDirMode); err != nil {
		return fmt.Errorf("respool: create state directory %s: %w", dir, err)
	}

	encoded, err := json.MarshalIndent(p.owners, "", "  ")
	if err != nil {
		return fmt.Errorf("respool: encode state: %w", err)
	}
	encoded = append(encoded, '\n')

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, stateFileMode); err != nil {
		return fmt.Errorf("respool: write state %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("respool: commit state %s: %w", p.path, err)
	}
	return nil
}
