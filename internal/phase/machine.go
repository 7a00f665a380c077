package phase

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/sessionsync/internal/timeline"
	"github.com/banshee-data/sessionsync/internal/timeutil"
)

// Observer is notified after each activation and deactivation. Callbacks
// run on the goroutine that caused the transition, after the machine's
// lock is released.
type Observer interface {
	PhaseActivated(v View)
	PhaseDeactivated(v View)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Activated   func(View)
	Deactivated func(View)
}

func (o ObserverFuncs) PhaseActivated(v View) {
	if o.Activated != nil {
		o.Activated(v)
	}
}

func (o ObserverFuncs) PhaseDeactivated(v View) {
	if o.Deactivated != nil {
		o.Deactivated(v)
	}
}

type state struct {
	def       Definition
	status    Status
	checklist []ChecklistItem
	startedAt time.Time
	endedAt   time.Time
	restarts  int
}

// Machine holds the ordered phases. At most one phase is active; phases
// activate strictly in sequence. Reads are safe from any goroutine; writes
// are expected from a single control goroutine.
type Machine struct {
	tl    *timeline.Timeline
	clock timeutil.Clock

	mu        sync.RWMutex
	phases    []*state
	current   int // index of the active phase, -1 before Start, len after the last
	observers []Observer
}

// NewMachine validates defs and returns a machine with every phase pending.
func NewMachine(tl *timeline.Timeline, clock timeutil.Clock, defs []Definition) (*Machine, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("at least one phase is required")
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	seen := make(map[string]bool, len(defs))
	m := &Machine{tl: tl, clock: clock, current: -1}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate phase id %q", d.ID)
		}
		seen[d.ID] = true
		st := &state{def: d, status: StatusPending}
		for _, desc := range d.Checklist {
			st.checklist = append(st.checklist, ChecklistItem{Description: desc})
		}
		m.phases = append(m.phases, st)
	}
	return m, nil
}

// Observe registers o for subsequent transitions.
func (m *Machine) Observe(o Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Start activates the first phase.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.current != -1 {
		m.mu.Unlock()
		return fmt.Errorf("%w: machine already started", ErrInvalidTransition)
	}
	activated := m.activateLocked(0)
	obs := m.observers
	m.mu.Unlock()

	notify(obs, nil, activated)
	return nil
}

// Advance completes the active phase and activates the next one. It fails
// with ErrNotReady while a checklist item is unsatisfied or, for phases
// with a duration, before the duration has elapsed.
func (m *Machine) Advance() error {
	return m.advance(m.clock.Now(), "operator")
}

// Tick auto-advances a duration-bound active phase once its duration has
// elapsed at now. It reports whether a transition happened. A phase whose
// checklist is still open stays active.
func (m *Machine) Tick(now time.Time) bool {
	m.mu.RLock()
	st, ok := m.activeLocked()
	due := ok && st.def.Duration > 0 && now.Sub(st.startedAt) >= st.def.Duration
	m.mu.RUnlock()
	if !due {
		return false
	}
	return m.advance(now, "duration") == nil
}

func (m *Machine) advance(now time.Time, reason string) error {
	m.mu.Lock()
	st, ok := m.activeLocked()
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: no active phase", ErrInvalidTransition)
	}
	for i, item := range st.checklist {
		if !item.Satisfied {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s checklist item %d unsatisfied: %s", ErrNotReady, st.def.ID, i, item.Description)
		}
	}
	if st.def.Duration > 0 {
		if elapsed := now.Sub(st.startedAt); elapsed < st.def.Duration {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s has %s remaining", ErrNotReady, st.def.ID, (st.def.Duration - elapsed).Round(time.Millisecond))
		}
	}

	st.status = StatusCompleted
	st.endedAt = now
	m.tl.Append(timeline.KindPhaseEnd, timeline.Attrs{
		"phase":      st.def.ID,
		"name":       st.def.DisplayName,
		"status":     string(StatusCompleted),
		"reason":     reason,
		"elapsed_ms": now.Sub(st.startedAt).Milliseconds(),
	})
	ended := m.viewLocked(m.current)
	activated := m.activateLocked(m.current + 1)
	obs := m.observers
	m.mu.Unlock()

	notify(obs, &ended, activated)
	return nil
}

// Skip marks the active phase skipped regardless of its gates and
// activates the next one.
func (m *Machine) Skip() error {
	m.mu.Lock()
	st, ok := m.activeLocked()
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: no active phase to skip", ErrInvalidTransition)
	}
	now := m.clock.Now()
	st.status = StatusSkipped
	st.endedAt = now
	m.tl.Append(timeline.KindPhaseSkip, timeline.Attrs{
		"phase":      st.def.ID,
		"name":       st.def.DisplayName,
		"override":   true,
		"elapsed_ms": now.Sub(st.startedAt).Milliseconds(),
	})
	ended := m.viewLocked(m.current)
	activated := m.activateLocked(m.current + 1)
	obs := m.observers
	m.mu.Unlock()

	notify(obs, &ended, activated)
	return nil
}

// Restart reruns the active phase from the beginning. Its timer resets and
// its checklist is kept.
func (m *Machine) Restart() error {
	m.mu.Lock()
	st, ok := m.activeLocked()
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: no active phase to restart", ErrInvalidTransition)
	}
	now := m.clock.Now()
	prev := m.viewLocked(m.current)
	st.restarts++
	st.startedAt = now
	m.tl.Append(timeline.KindPhaseRestart, timeline.Attrs{
		"phase":    st.def.ID,
		"name":     st.def.DisplayName,
		"restarts": st.restarts,
	})
	restarted := m.viewLocked(m.current)
	obs := m.observers
	m.mu.Unlock()

	notify(obs, &prev, &restarted)
	return nil
}

// ToggleChecklistItem sets one checklist item of phaseID. It is a no-op
// unless that phase is active.
func (m *Machine) ToggleChecklistItem(phaseID string, index int, satisfied bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.indexLocked(phaseID)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownPhase, phaseID)
	}
	st := m.phases[i]
	if index < 0 || index >= len(st.checklist) {
		return fmt.Errorf("%w: %s has %d items, got index %d", ErrUnknownItem, phaseID, len(st.checklist), index)
	}
	if st.status != StatusActive {
		return nil
	}
	st.checklist[index].Satisfied = satisfied
	m.tl.Append(timeline.KindChecklist, timeline.Attrs{
		"phase":     phaseID,
		"index":     index,
		"item":      st.checklist[index].Description,
		"satisfied": satisfied,
	})
	return nil
}

// Active returns the active phase.
func (m *Machine) Active() (View, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.activeLocked(); !ok {
		return View{}, false
	}
	return m.viewLocked(m.current), true
}

// Done reports whether every phase has reached a terminal state.
func (m *Machine) Done() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current >= len(m.phases)
}

// Phases returns a view of every phase in sequence order.
func (m *Machine) Phases() []View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]View, len(m.phases))
	for i := range m.phases {
		out[i] = m.viewLocked(i)
	}
	return out
}

// Phase returns the view of phaseID.
func (m *Machine) Phase(phaseID string) (View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.indexLocked(phaseID)
	if i < 0 {
		return View{}, fmt.Errorf("%w: %q", ErrUnknownPhase, phaseID)
	}
	return m.viewLocked(i), nil
}

func (m *Machine) activeLocked() (*state, bool) {
	if m.current < 0 || m.current >= len(m.phases) {
		return nil, false
	}
	st := m.phases[m.current]
	return st, st.status == StatusActive
}

func (m *Machine) indexLocked(id string) int {
	for i, st := range m.phases {
		if st.def.ID == id {
			return i
		}
	}
	return -1
}

// activateLocked makes phase i active, or marks the sequence finished when
// i is past the end. It returns the activated view, if any.
func (m *Machine) activateLocked(i int) *View {
	m.current = i
	if i >= len(m.phases) {
		return nil
	}
	st := m.phases[i]
	st.status = StatusActive
	st.startedAt = m.clock.Now()
	attrs := timeline.Attrs{
		"phase":       st.def.ID,
		"name":        st.def.DisplayName,
		"phase_index": i,
	}
	if st.def.Duration > 0 {
		attrs["duration_s"] = st.def.Duration.Seconds()
	}
	m.tl.Append(timeline.KindPhaseStart, attrs)
	v := m.viewLocked(i)
	return &v
}

func (m *Machine) viewLocked(i int) View {
	st := m.phases[i]
	return View{
		Index:       i,
		ID:          st.def.ID,
		DisplayName: st.def.DisplayName,
		Status:      st.status,
		Duration:    st.def.Duration,
		Checklist:   append([]ChecklistItem(nil), st.checklist...),
		StartedAt:   st.startedAt,
		EndedAt:     st.endedAt,
		Restarts:    st.restarts,
		def:         st.def,
	}
}

func notify(obs []Observer, ended, activated *View) {
	for _, o := range obs {
		if ended != nil {
			o.PhaseDeactivated(*ended)
		}
		if activated != nil {
			o.PhaseActivated(*activated)
		}
	}
}
