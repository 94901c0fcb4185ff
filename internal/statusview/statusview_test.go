package statusview

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aipper/relay/internal/doctor"
)

func TestViewDisplaysEachCheckResult(t *testing.T) {
	m := model{
		snap: Snapshot{
			HostID:    "host-1",
			Connected: true,
			Diagnosis: doctor.Diagnosis{
				Results: []doctor.CheckResult{
					{Name: "Spool", Status: "PASS", Message: "0 bytes on disk"},
					{Name: "Uplink", Status: "WARN", Message: "not connected"},
				},
			},
		},
	}
	view := m.View()

	for _, want := range []string{"host-1", "connected", "Spool", "0 bytes on disk", "Uplink", "not connected"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestOneShotModeQuitsAfterInit(t *testing.T) {
	m := model{oneShot: true, provider: func() Snapshot { return Snapshot{} }}
	cmd := m.Init()
	if cmd == nil {
		t.Fatal("expected Init to return a quit cmd in one-shot mode")
	}
}

func TestUpdateQuitsOnKeyPress(t *testing.T) {
	provider := func() Snapshot { return Snapshot{} }
	m := model{provider: provider, snap: provider()}

	updated, quitCmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if updated == nil {
		t.Fatal("expected non-nil model after Update")
	}
	if quitCmd == nil {
		t.Fatal("expected quit command on 'q' key")
	}
}

func TestUpdateRefreshesSnapshotOnTick(t *testing.T) {
	want := Snapshot{HostID: "host-2"}
	provider := func() Snapshot { return want }
	m := model{provider: provider, snap: Snapshot{}}

	updated, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("expected a tick cmd after a tick message")
	}
	got := updated.(model)
	if got.snap.HostID != "host-2" {
		t.Fatalf("expected snapshot refreshed from provider, got %+v", got.snap)
	}
}

func TestRunExitsCleanlyOnCanceledContext(t *testing.T) {
	provider := func() Snapshot { return Snapshot{} }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, provider, false)
	if err != nil && err != context.Canceled {
		t.Fatalf("expected clean exit or context.Canceled, got: %v", err)
	}
}
