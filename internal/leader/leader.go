// Package leader implements single-active-relay election through a shared
// lock file.
//
// Every starting relay writes its identity to the lock file, replacing
// whatever was there. The most recent writer is the leader. A relay is
// active only while the lock still names it, which is re-checked from disk on
// every query rather than cached.
package leader

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/layerlink/layerlink/internal/fileutil"
	"github.com/layerlink/layerlink/internal/logging"
)

// ErrNotClaimed is returned by operations that require a prior Claim.
var ErrNotClaimed = errors.New("leadership not claimed")

// Identity is the content of the lock file.
type Identity struct {
	InstanceID string `json:"instanceId"`
	PID        int    `json:"pid"`
	// StartedAt is Unix milliseconds.
	StartedAt int64 `json:"startedAt"`
}

// NewIdentity creates an identity for the current process.
func NewIdentity() Identity {
	return Identity{
		InstanceID: uuid.NewString(),
		PID:        os.Getpid(),
		StartedAt:  time.Now().UnixMilli(),
	}
}

// Started returns StartedAt as a time.
func (id Identity) Started() time.Time {
	return time.UnixMilli(id.StartedAt)
}

// Registry tracks this process's claim on the lock file.
type Registry struct {
	path   string
	self   Identity
	logger *slog.Logger

	mu       sync.Mutex
	claimed  bool
	lost     bool
	onLost   []func(Identity)
	watching bool
}

// NewRegistry creates a registry for the lock at path with a fresh identity.
func NewRegistry(path string) *Registry {
	return NewRegistryWithIdentity(path, NewIdentity())
}

// NewRegistryWithIdentity creates a registry with a caller-chosen identity.
func NewRegistryWithIdentity(path string, id Identity) *Registry {
	return &Registry{
		path:   path,
		self:   id,
		logger: logging.Leader(),
	}
}

// Path returns the lock file path.
func (r *Registry) Path() string {
	return r.path
}

// Identity returns this process's identity.
func (r *Registry) Identity() Identity {
	return r.self
}

// Claim writes this process's identity to the lock file, superseding any
// previous holder. A failed write leaves the registry unclaimed; callers
// log and continue.
func (r *Registry) Claim() error {
	if err := fileutil.WriteJSONAtomic(r.path, r.self, 0644); err != nil {
		return fmt.Errorf("failed to write instance lock: %w", err)
	}

	r.mu.Lock()
	r.claimed = true
	r.lost = false
	r.mu.Unlock()

	r.logger.Info("Claimed relay leadership",
		"instance_id", r.self.InstanceID,
		"pid", r.self.PID,
		"lock", r.path)
	return nil
}

// Current reads the identity currently recorded in the lock file.
func (r *Registry) Current() (Identity, error) {
	var id Identity
	if err := fileutil.ReadJSON(r.path, &id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// IsActive reports whether this process holds leadership: it claimed the
// lock, no takeover has been observed since, and the lock file still names
// it. An unreadable lock counts as not active.
func (r *Registry) IsActive() bool {
	r.mu.Lock()
	held := r.claimed && !r.lost
	r.mu.Unlock()
	if !held {
		return false
	}

	cur, err := r.Current()
	if err != nil {
		r.logger.Debug("Instance lock unreadable", "error", err)
		return false
	}
	return cur.InstanceID == r.self.InstanceID
}

// OnLost registers fn to run once when the lock is observed to name another
// instance. fn receives the new owner's identity.
func (r *Registry) OnLost(fn func(newOwner Identity)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLost = append(r.onLost, fn)
}

// check compares the lock file with our identity and fires the lost
// callbacks on the first transition away from us.
func (r *Registry) check() {
	cur, err := r.Current()
	if err != nil {
		// Missing or mid-rename; the next event settles it.
		return
	}
	if cur.InstanceID == r.self.InstanceID {
		return
	}

	r.mu.Lock()
	if !r.claimed || r.lost {
		r.mu.Unlock()
		return
	}
	r.lost = true
	callbacks := append([]func(Identity){}, r.onLost...)
	r.mu.Unlock()

	r.logger.Warn("Relay leadership taken over",
		"instance_id", r.self.InstanceID,
		"new_instance_id", cur.InstanceID,
		"new_pid", cur.PID)
	for _, fn := range callbacks {
		fn(cur)
	}
}
