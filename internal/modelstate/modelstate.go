// Package modelstate implements the Model State Machine (§4.6), the
// out-of-band control plane tracking which model is loaded and whether the
// inference service is reachable at all. Grounded the same way as
// internal/orchestration's tiers: a small, explicit, total transition
// table in the teacher's Decision-struct idiom, rather than the core.Flow
// graph engine — this state machine is long-lived (process lifetime, not
// per-turn) and driven by external events (service health, user model
// switch requests), not by a Prep/Exec/Post per-node execution cycle.
package modelstate

import (
	"fmt"
	"log"
)

// State is the tagged variant from §3.1/§4.6.
type State string

const (
	Initializing      State = "initializing"
	Ready             State = "ready"
	SwitchingModel    State = "switching_model"
	UnloadingModel    State = "unloading_model"
	LoadingModel      State = "loading_model"
	Error             State = "error"
	ServiceUnavailable State = "service_unavailable"
	ServiceRestarting  State = "service_restarting"
	Reconnecting       State = "reconnecting"
)

// Machine tracks the current State plus the model ids relevant to a switch
// in progress.
type Machine struct {
	state        State
	currentModel string // populated when state == Ready
	fromModel    string // populated during SwitchingModel/UnloadingModel/LoadingModel
	toModel      string
	lastKnownGood string
	errMsg       string

	onChange func(old, new State)
}

// New starts the machine in Initializing.
func New(onChange func(old, new State)) *Machine {
	if onChange == nil {
		onChange = func(State, State) {}
	}
	return &Machine{state: Initializing, onChange: onChange}
}

func (m *Machine) State() State       { return m.state }
func (m *Machine) CurrentModel() string { return m.currentModel }

// IsReady reports whether new chat turns may be submitted — §4.6: "The
// frontend is blocked from submitting new chat turns in any state != Ready."
func (m *Machine) IsReady() bool { return m.state == Ready }

func (m *Machine) transition(next State) {
	old := m.state
	m.state = next
	m.onChange(old, next)
}

// OnServiceReady moves Initializing/ServiceRestarting/Reconnecting → Ready
// once the inference service reports healthy with an already-loaded model,
// or leaves the state unchanged if modelID is empty (no model loaded yet).
func (m *Machine) OnServiceReady(modelID string) {
	if modelID == "" {
		return
	}
	m.currentModel = modelID
	m.lastKnownGood = modelID
	m.transition(Ready)
}

// OnServiceUnavailable moves to ServiceUnavailable from any state — the
// service can drop out from under any in-flight operation.
func (m *Machine) OnServiceUnavailable() {
	m.transition(ServiceUnavailable)
}

// OnServiceRestarting signals a detected restart in progress.
func (m *Machine) OnServiceRestarting() {
	m.transition(ServiceRestarting)
}

// OnReconnecting signals the reconnect-backoff loop has started.
func (m *Machine) OnReconnecting() {
	m.transition(Reconnecting)
}

// RequestSwitch begins a model switch. Per §4.6: "Model switch must visit
// UnloadingModel before LoadingModel when a prior model exists; the unload
// response must complete before load begins (enforced by the GPU guard)."
// Returns an error if called while not Ready.
func (m *Machine) RequestSwitch(toModel string) error {
	if m.state != Ready {
		return fmt.Errorf("modelstate: cannot switch while in state %s", m.state)
	}
	m.fromModel, m.toModel = m.currentModel, toModel
	m.transition(SwitchingModel)
	if m.currentModel != "" {
		m.transition(UnloadingModel)
	} else {
		m.transition(LoadingModel)
	}
	return nil
}

// OnUnloaded is called once the GPU guard reports the unload operation
// complete; it moves UnloadingModel → LoadingModel, never the reverse.
func (m *Machine) OnUnloaded() error {
	if m.state != UnloadingModel {
		return fmt.Errorf("modelstate: OnUnloaded called outside UnloadingModel (state=%s)", m.state)
	}
	m.currentModel = ""
	m.transition(LoadingModel)
	return nil
}

// OnLoaded completes a switch: LoadingModel → Ready.
func (m *Machine) OnLoaded(modelID string) error {
	if m.state != LoadingModel {
		return fmt.Errorf("modelstate: OnLoaded called outside LoadingModel (state=%s)", m.state)
	}
	m.currentModel = modelID
	m.lastKnownGood = modelID
	m.fromModel, m.toModel = "", ""
	m.transition(Ready)
	return nil
}

// OnLoadFailed implements §4.6's failure rule: "On load failure, fall back
// to a previously known-good model or leave Error with a human-readable
// message." If a last-known-good model exists and differs from the one
// that just failed, it automatically re-attempts loading that model;
// otherwise it parks in Error.
func (m *Machine) OnLoadFailed(reason string) {
	if m.lastKnownGood != "" && m.lastKnownGood != m.toModel {
		log.Printf("[ModelState] load of %q failed (%s); falling back to last known-good %q", m.toModel, reason, m.lastKnownGood)
		m.toModel = m.lastKnownGood
		m.transition(LoadingModel)
		return
	}
	m.errMsg = reason
	m.transition(Error)
}

// ErrorMessage returns the human-readable message recorded when entering
// Error, or "" if not in that state.
func (m *Machine) ErrorMessage() string {
	if m.state != Error {
		return ""
	}
	return m.errMsg
}
