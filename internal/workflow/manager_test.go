package workflow

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/GriffinCanCode/caption-digest/internal/errors"
)

func newTestManager(t *testing.T) (*Manager, *harness) {
	t.Helper()
	h := newHarness(t)
	deps := Deps{
		Captions:    h.captions,
		Summarizers: []NamedSummarizer{{Name: "primary", Summarizer: h.summary}},
		Synthesizer: h.synth,
	}
	return NewManager(deps, h.opts, time.Minute), h
}

func TestManagerCreateGetDelete(t *testing.T) {
	m, _ := newTestManager(t)

	seq, err := m.Create()
	if err != nil {
		t.Fatalf("Create() = %v", err)
	}
	if len(seq.ID()) != 36 {
		t.Errorf("session id = %q, want uuid", seq.ID())
	}

	got, err := m.Get(seq.ID())
	if err != nil || got != seq {
		t.Errorf("Get() = %v, %v", got, err)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d", m.Len())
	}

	if !m.Delete(seq.ID()) {
		t.Error("Delete() = false")
	}
	if _, err := m.Get(seq.ID()); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Errorf("Get() after delete = %v, want not found", err)
	}
}

func TestManagerSessionsAreIndependent(t *testing.T) {
	m, _ := newTestManager(t)
	a, _ := m.Create()
	b, _ := m.Create()

	if _, err := a.SubmitURL(context.Background(), "https://youtu.be/abc123"); err != nil {
		t.Fatal(err)
	}
	if b.Stage() != StageEmpty {
		t.Errorf("session b stage = %v, want empty", b.Stage())
	}
}

func TestManagerEvictsIdle(t *testing.T) {
	m, _ := newTestManager(t)
	old, _ := m.Create()
	fresh, _ := m.Create()

	now := time.Now()
	m.mu.RLock()
	m.sessions[old.ID()].touch(now.Add(-2 * time.Minute))
	m.mu.RUnlock()

	if n := m.evictIdle(now); n != 1 {
		t.Errorf("evictIdle() = %d, want 1", n)
	}
	if _, err := m.Get(fresh.ID()); err != nil {
		t.Errorf("fresh session evicted: %v", err)
	}
	if _, err := m.Get(old.ID()); err == nil {
		t.Error("idle session kept")
	}
}

func TestManagerLimit(t *testing.T) {
	m, _ := newTestManager(t)
	m.WithMaxSessions(1).WithMaxSessions(0)
	if _, err := m.Create(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(); !apperrors.IsCode(err, apperrors.CodeUnavailable) {
		t.Errorf("Create() over limit = %v", err)
	}
}

func TestManagerSetOptionsAppliesToNextCommand(t *testing.T) {
	m, h := newTestManager(t)
	seq, _ := m.Create()

	opts := m.Options()
	opts.AutoListLanguages = false
	m.SetOptions(opts)

	snap, err := seq.SubmitURL(context.Background(), "https://youtu.be/abc123")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Stage != StageVideoIdentified || h.captions.list.Calls() != 0 {
		t.Errorf("stage = %v, list calls = %d; reloaded options ignored", snap.Stage, h.captions.list.Calls())
	}
}
