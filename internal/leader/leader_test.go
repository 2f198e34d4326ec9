package leader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/layerlink/layerlink/internal/fileutil"
)

func TestClaim_WritesIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.lock")
	r := NewRegistry(path)

	if r.IsActive() {
		t.Fatal("unclaimed registry must not be active")
	}
	if err := r.Claim(); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if !r.IsActive() {
		t.Fatal("registry should be active after Claim")
	}

	cur, err := r.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if cur != r.Identity() {
		t.Errorf("Current() = %+v, want %+v", cur, r.Identity())
	}
	if cur.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", cur.PID, os.Getpid())
	}
}

func TestClaim_LastWriterWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.lock")
	a := NewRegistry(path)
	b := NewRegistry(path)

	if err := a.Claim(); err != nil {
		t.Fatal(err)
	}
	if err := b.Claim(); err != nil {
		t.Fatal(err)
	}

	if a.IsActive() {
		t.Error("A should no longer be active after B claimed")
	}
	if !b.IsActive() {
		t.Error("B should be active")
	}

	cur, _ := a.Current()
	if cur.InstanceID != b.Identity().InstanceID {
		t.Errorf("lock names %s, want %s", cur.InstanceID, b.Identity().InstanceID)
	}
}

func TestIsActive_MissingLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.lock")
	r := NewRegistry(path)
	if err := r.Claim(); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if r.IsActive() {
		t.Error("registry must not be active when the lock is gone")
	}
}

func TestIsActive_FalseAfterObservedTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.lock")
	a := NewRegistry(path)
	b := NewRegistry(path)
	if err := a.Claim(); err != nil {
		t.Fatal(err)
	}
	if err := b.Claim(); err != nil {
		t.Fatal(err)
	}
	a.check()

	// Even if the file names A again, A stays inactive until it re-claims.
	if err := fileutil.WriteJSONAtomic(path, a.Identity(), 0644); err != nil {
		t.Fatal(err)
	}
	if a.IsActive() {
		t.Error("registry active after an observed takeover")
	}

	if err := a.Claim(); err != nil {
		t.Fatal(err)
	}
	if !a.IsActive() {
		t.Error("registry inactive after re-claiming")
	}
}

func TestWatch_FiresOnLost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.lock")
	a := NewRegistry(path)
	if err := a.Claim(); err != nil {
		t.Fatal(err)
	}

	lost := make(chan Identity, 2)
	a.OnLost(func(owner Identity) { lost <- owner })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.watch(ctx, 10*time.Millisecond, time.Hour) }()

	// Give the watcher time to register before B writes.
	time.Sleep(100 * time.Millisecond)

	b := NewRegistry(path)
	if err := b.Claim(); err != nil {
		t.Fatal(err)
	}

	select {
	case owner := <-lost:
		if owner.InstanceID != b.Identity().InstanceID {
			t.Errorf("new owner = %s, want %s", owner.InstanceID, b.Identity().InstanceID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnLost was not called")
	}

	// A second write by B must not fire the callback again.
	if err := b.Claim(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-lost:
		t.Error("OnLost fired twice")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("watch returned %v", err)
	}
}

func TestWatch_DetectsEarlierTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.lock")
	a := NewRegistry(path)
	b := NewRegistry(path)
	if err := a.Claim(); err != nil {
		t.Fatal(err)
	}
	if err := b.Claim(); err != nil {
		t.Fatal(err)
	}

	lost := make(chan struct{}, 1)
	a.OnLost(func(Identity) { lost <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Watch(ctx)

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("takeover before Watch was not detected")
	}
}

func TestWatch_RequiresClaim(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "instance.lock"))
	if err := r.Watch(t.Context()); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Watch before Claim = %v, want ErrNotClaimed", err)
	}
}

func TestWatch_PollDetectsTakeover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "instance.lock")
	a := NewRegistry(path)
	if err := a.Claim(); err != nil {
		t.Fatal(err)
	}

	lost := make(chan struct{}, 1)
	a.OnLost(func(Identity) { lost <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The debounce never fires within the test, so only the poll can notice.
	go a.watch(ctx, time.Hour, 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	b := NewRegistry(path)
	if err := b.Claim(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not detect the takeover")
	}
}
