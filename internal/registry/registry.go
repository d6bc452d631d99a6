// Package registry is the process-wide store of job records. It owns the
// per-key locks that serialize status merging, enforces the "one active job
// per (kind, key)" invariant, and publishes every applied update to the
// stream hub in emission order.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/job"
	"github.com/leeyy0/grantscraper/internal/metrics"
	"github.com/leeyy0/grantscraper/internal/stream"
)

var (
	// ErrNotFound signals that no record exists for the requested key.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyActive signals that a non-terminal job holds the key.
	ErrAlreadyActive = errors.New("job already active for key")
	// ErrTerminal signals an update against an absorbed (completed/error) record.
	ErrTerminal = errors.New("job already terminal")
	// ErrInvalidTransition signals a phase change that regresses the state machine.
	ErrInvalidTransition = errors.New("invalid phase transition")
)

type recordKey struct {
	kind job.Kind
	key  string
}

func (k recordKey) streamKey() string {
	return string(k.kind) + ":" + k.key
}

type entry struct {
	mu  sync.Mutex
	rec job.Record
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// Registry stores job records in memory for the lifetime of the process.
// Records are mutated only through Update; readers always get deep copies.
type Registry struct {
	mu      sync.RWMutex
	entries map[recordKey]*entry
	hub     *stream.Hub
	clock   Clock
	logger  *zap.Logger
}

// New constructs a Registry publishing into hub.
func New(hub *stream.Hub, clock Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[recordKey]*entry),
		hub:     hub,
		clock:   clock,
		logger:  logger,
	}
}

// Create claims the (kind, key) slot and returns the initial record. A
// non-terminal record for the same slot rejects the call with
// ErrAlreadyActive; a terminal record is immediately replaced.
func (r *Registry) Create(kind job.Kind, key string) (job.Record, error) {
	if !kind.Valid() {
		return job.Record{}, fmt.Errorf("unknown job kind %q", kind)
	}
	if key == "" {
		return job.Record{}, errors.New("job key is required")
	}

	now := r.clock.Now().UTC()
	rec := job.Record{
		Key:       key,
		Kind:      kind,
		Phase:     kind.Initial(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := recordKey{kind: kind, key: key}
	if e, ok := r.entries[k]; ok {
		e.mu.Lock()
		if !e.rec.Terminal() {
			e.mu.Unlock()
			return job.Record{}, fmt.Errorf("%w: %s/%s", ErrAlreadyActive, kind, key)
		}
		// Terminal records are replaceable; the old snapshot is gone.
		e.rec = rec
		e.mu.Unlock()
	} else {
		r.entries[k] = &entry{rec: rec}
	}
	metrics.JobStarted(string(kind))
	r.logger.Info("job record created",
		zap.String("kind", string(kind)),
		zap.String("key", key),
		zap.String("phase", string(rec.Phase)),
	)
	return rec.Clone(), nil
}

// Get returns a snapshot of the record or ErrNotFound.
func (r *Registry) Get(kind job.Kind, key string) (job.Record, error) {
	e, ok := r.lookup(kind, key)
	if !ok {
		return job.Record{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

// Update merges a partial update into the record and publishes the new
// snapshot. Nil fields keep their prior value; explicit zeroes overwrite.
// Terminal records reject all further mutation, and phase changes must
// respect the kind's canonical order.
func (r *Registry) Update(kind job.Kind, key string, u job.Update) (job.Record, error) {
	e, ok := r.lookup(kind, key)
	if !ok {
		return job.Record{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Terminal() {
		return job.Record{}, fmt.Errorf("%w: %s/%s", ErrTerminal, kind, key)
	}
	if u.Phase != nil && !kind.CanTransition(e.rec.Phase, *u.Phase) {
		return job.Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.rec.Phase, *u.Phase)
	}

	phaseChanged := u.Phase != nil && *u.Phase != e.rec.Phase
	e.rec.Apply(u)
	e.rec.UpdatedAt = r.clock.Now().UTC()

	snapshot := e.rec.Clone()
	if phaseChanged {
		metrics.PhaseTransition(string(kind), string(snapshot.Phase))
	}
	if snapshot.Terminal() {
		metrics.JobFinished(string(kind), string(snapshot.Phase))
		r.logger.Info("job reached terminal phase",
			zap.String("kind", string(kind)),
			zap.String("key", key),
			zap.String("phase", string(snapshot.Phase)),
			zap.String("error", snapshot.Error),
		)
	}
	// Publishing under the entry lock keeps the per-key stream totally
	// ordered for every subscriber.
	r.hub.Publish(recordKey{kind: kind, key: key}.streamKey(), snapshot)
	return snapshot, nil
}

// Subscribe attaches a stream session for the record. The snapshot replay is
// taken under the same lock that serializes updates, so a late joiner can
// neither miss an event nor see one twice.
func (r *Registry) Subscribe(kind job.Kind, key string) (*stream.Session, error) {
	e, ok := r.lookup(kind, key)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.hub.Subscribe(recordKey{kind: kind, key: key}.streamKey(), e.rec.Clone()), nil
}

func (r *Registry) lookup(kind job.Kind, key string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[recordKey{kind: kind, key: key}]
	return e, ok
}
