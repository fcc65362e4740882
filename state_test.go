package taskpipeline

import "testing"

func TestFastState_InitialState(t *testing.T) {
	s := newFastState()
	if got := s.Load(); got != NotScheduled {
		t.Fatalf("expected NotScheduled, got %v", got)
	}
}

func TestFastState_TryTransition(t *testing.T) {
	s := newFastState()

	if !s.TryTransition(NotScheduled, Scheduled) {
		t.Fatal("expected NotScheduled -> Scheduled to succeed")
	}
	if s.TryTransition(NotScheduled, Scheduled) {
		t.Fatal("expected a second NotScheduled -> Scheduled to fail")
	}
	if !s.TryTransition(Scheduled, Running) {
		t.Fatal("expected Scheduled -> Running to succeed")
	}
	if !s.TryTransition(Running, NotScheduled) {
		t.Fatal("expected Running -> NotScheduled to succeed")
	}
}

func TestFastState_Store_BypassesValidation(t *testing.T) {
	s := newFastState()
	s.Store(Running)
	if got := s.Load(); got != Running {
		t.Fatalf("expected Running, got %v", got)
	}
}

func TestProcessingState_String(t *testing.T) {
	cases := map[ProcessingState]string{
		NotScheduled:       "NotScheduled",
		Scheduled:          "Scheduled",
		Running:            "Running",
		ProcessingState(9): "Unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("ProcessingState(%d).String() = %q, want %q", state, got, want)
		}
	}
}
