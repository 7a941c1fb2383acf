package modelstate

import "testing"

func TestMachine_InitialState(t *testing.T) {
	m := New(nil)
	if m.State() != Initializing {
		t.Fatalf("got %v, want Initializing", m.State())
	}
	if m.IsReady() {
		t.Error("must not be Ready before OnServiceReady")
	}
}

func TestMachine_SwitchVisitsUnloadingBeforeLoading(t *testing.T) {
	m := New(nil)
	m.OnServiceReady("model-a")
	if !m.IsReady() {
		t.Fatal("expected Ready after OnServiceReady")
	}

	var transitions []State
	m2 := New(func(_, new State) { transitions = append(transitions, new) })
	m2.OnServiceReady("model-a")
	transitions = nil // only record transitions from RequestSwitch onward

	if err := m2.RequestSwitch("model-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m2.State() != UnloadingModel {
		t.Fatalf("switching away from a loaded model must visit UnloadingModel first, got %v", m2.State())
	}

	if err := m2.OnUnloaded(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m2.State() != LoadingModel {
		t.Fatalf("got %v, want LoadingModel", m2.State())
	}

	if err := m2.OnLoaded("model-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m2.State() != Ready || m2.CurrentModel() != "model-b" {
		t.Fatalf("got state=%v model=%v", m2.State(), m2.CurrentModel())
	}
}

func TestMachine_SwitchFromNoModelSkipsUnloading(t *testing.T) {
	m := New(nil)
	if err := m.RequestSwitch("model-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State() != LoadingModel {
		t.Fatalf("switching with no prior model must go straight to LoadingModel, got %v", m.State())
	}
}

func TestMachine_RequestSwitch_RejectedUnlessReady(t *testing.T) {
	m := New(nil) // Initializing
	if err := m.RequestSwitch("model-a"); err == nil {
		t.Error("expected an error requesting a switch while not Ready")
	}
}

func TestMachine_OnLoadFailed_FallsBackToLastKnownGood(t *testing.T) {
	m := New(nil)
	m.OnServiceReady("model-a")
	if err := m.RequestSwitch("model-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = m.OnUnloaded()
	if m.State() != LoadingModel {
		t.Fatalf("got %v", m.State())
	}
	m.OnLoadFailed("model-b failed to load")
	if m.State() != LoadingModel {
		t.Fatalf("expected a fallback re-attempt at LoadingModel, got %v", m.State())
	}
}

func TestMachine_OnLoadFailed_NoFallbackLeavesError(t *testing.T) {
	m := New(nil) // no lastKnownGood recorded yet
	_ = m.RequestSwitch("model-a")
	m.OnLoadFailed("connection refused")
	if m.State() != Error {
		t.Fatalf("got %v, want Error", m.State())
	}
	if m.ErrorMessage() != "connection refused" {
		t.Errorf("ErrorMessage() = %q", m.ErrorMessage())
	}
}
