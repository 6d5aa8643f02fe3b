package stack

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/nczempin/httpengine/errors"
	"github.com/nczempin/httpengine/protocol"
)

type fakeConn struct {
	id       uint64
	deadline time.Time
	expired  atomic.Int32
	reg      *Registry
}

func (f *fakeConn) ID() uint64 { return f.id }

func (f *fakeConn) Expired(now time.Time) bool {
	return !f.deadline.IsZero() && f.deadline.Before(now)
}

func (f *fakeConn) Expire() {
	f.expired.Add(1)
	if f.reg != nil {
		f.reg.Deregister(f)
	}
}

func (r *Registry) sweeping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticker != nil
}

func TestRegistry_Defaults(t *testing.T) {
	r := New(Config{})
	if r.BlockSize() != DefaultBlockSize {
		t.Errorf("Expected block size %d, got %d", DefaultBlockSize, r.BlockSize())
	}
	if r.SweepInterval() != DefaultSweepInterval {
		t.Errorf("Expected sweep interval %v, got %v", DefaultSweepInterval, r.SweepInterval())
	}
	if r.Reason(protocol.StatusNotFound) != "Not Found" {
		t.Errorf("Expected reason lookup, got %q", r.Reason(protocol.StatusNotFound))
	}
	if r.Reason(799) != protocol.UnknownStatusText {
		t.Errorf("Expected generic phrase for unknown code, got %q", r.Reason(799))
	}
}

func TestRegistry_DefaultIsShared(t *testing.T) {
	if Default() != Default() {
		t.Error("Expected Default to return the same registry")
	}
}

func TestRegistry_SweepStartsAndStops(t *testing.T) {
	r := New(Config{SweepInterval: time.Hour})
	defer r.Close()

	a := &fakeConn{id: 1}
	b := &fakeConn{id: 2}

	if r.sweeping() {
		t.Fatal("Expected no sweep before first registration")
	}
	r.Register(a)
	r.Register(b)
	if !r.sweeping() {
		t.Fatal("Expected sweep to start on first registration")
	}
	if r.Len() != 2 {
		t.Errorf("Expected 2 connections, got %d", r.Len())
	}

	r.Deregister(a)
	if !r.sweeping() {
		t.Error("Expected sweep to keep running while connections remain")
	}
	r.Deregister(b)
	if r.sweeping() {
		t.Error("Expected sweep to stop once empty")
	}
}

func TestRegistry_SweepClosesExpired(t *testing.T) {
	r := New(Config{SweepInterval: time.Hour})
	defer r.Close()

	now := time.Now()
	expired := &fakeConn{id: 1, deadline: now.Add(-time.Second), reg: r}
	live := &fakeConn{id: 2, deadline: now.Add(time.Hour), reg: r}
	idle := &fakeConn{id: 3, reg: r}
	r.Register(expired)
	r.Register(live)
	r.Register(idle)

	if n := r.Sweep(now); n != 1 {
		t.Errorf("Expected 1 expired connection, got %d", n)
	}
	if expired.expired.Load() != 1 {
		t.Error("Expected expired connection to be force-closed")
	}
	if live.expired.Load() != 0 || idle.expired.Load() != 0 {
		t.Error("Expected other connections to be left alone")
	}
	if r.Len() != 2 {
		t.Errorf("Expected 2 remaining connections, got %d", r.Len())
	}
}

func TestRegistry_PeriodicSweep(t *testing.T) {
	r := New(Config{SweepInterval: 10 * time.Millisecond})
	defer r.Close()

	c := &fakeConn{id: 7, deadline: time.Now().Add(-time.Second), reg: r}
	r.Register(c)

	deadline := time.After(2 * time.Second)
	for c.expired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("Timeout waiting for periodic sweep")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if r.Len() != 0 {
		t.Errorf("Expected registry to be empty, got %d", r.Len())
	}
	if r.sweeping() {
		t.Error("Expected sweep to stop after the last connection expired")
	}
}

func TestRegistry_ClosedRefusesRegistration(t *testing.T) {
	r := New(Config{})
	r.Close()
	if err := r.Register(&fakeConn{id: 1}); !errors.IsInvalidState(err) {
		t.Errorf("Expected invalid-state error, got %v", err)
	}
	if r.Len() != 0 || r.sweeping() {
		t.Error("Expected closed registry to ignore registrations")
	}
}
