package cli

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"syncjob/internal/preflight"
)

func TestProgressModelTracksSteps(t *testing.T) {
	m := newProgressModel()

	model, _ := m.Update(progressEventMsg{Step: preflight.StepTool, Title: "rclone available"})
	m2 := model.(progressModel)
	if m2.steps[0].state != stepRunning {
		t.Fatalf("expected first step running, got %v", m2.steps[0].state)
	}

	model, _ = m2.Update(progressEventMsg{
		Step:  preflight.StepTool,
		Done:  true,
		Check: preflight.Check{Name: preflight.StepTool, OK: true, Message: "rclone runs"},
	})
	m3 := model.(progressModel)
	if m3.steps[0].state != stepOK {
		t.Fatalf("expected first step ok, got %v", m3.steps[0].state)
	}

	model, _ = m3.Update(progressEventMsg{
		Step:  preflight.StepRemote,
		Done:  true,
		Check: preflight.Check{Name: preflight.StepRemote, Message: "no rclone remote named \"gdrive\""},
	})
	m4 := model.(progressModel)
	if m4.steps[1].state != stepFailed {
		t.Fatalf("expected second step failed, got %v", m4.steps[1].state)
	}
	view := m4.View()
	if !strings.Contains(view, "rclone runs") || !strings.Contains(view, "no rclone remote") {
		t.Fatalf("unexpected view: %s", view)
	}
}

func TestProgressModelQuitsWhenDone(t *testing.T) {
	m := newProgressModel()
	model, cmd := m.Update(progressDoneMsg{})
	if !model.(progressModel).done {
		t.Fatal("expected done")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
}

func TestProgressModelCtrlCCancels(t *testing.T) {
	m := newProgressModel()
	model, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if !model.(progressModel).cancelled || cmd == nil {
		t.Fatal("expected cancellation and quit")
	}
}
