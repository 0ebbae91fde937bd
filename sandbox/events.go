package sandbox

import "time"

// EventType names a sandbox lifecycle event.
type EventType string

const (
	EventLaunched     EventType = "sandbox.launched"
	EventLaunchFailed EventType = "sandbox.launch_failed"
	EventStopped      EventType = "sandbox.stopped"
	EventEvicted      EventType = "sandbox.evicted"
)

// Event describes a sandbox lifecycle change.
type Event struct {
	Type      EventType `json:"type"`
	ToolName  string    `json:"tool"`
	ID        string    `json:"id,omitempty"`
	Image     string    `json:"image,omitempty"`
	Role      string    `json:"role,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OnEvent registers a callback for lifecycle events. Callbacks run on their
// own goroutine and must not block the manager.
func (m *Manager) OnEvent(fn func(Event)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.onEvent = append(m.onEvent, fn)
}

func (m *Manager) emit(e Event) {
	m.callbackMu.RLock()
	callbacks := make([]func(Event), len(m.onEvent))
	copy(callbacks, m.onEvent)
	m.callbackMu.RUnlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = m.clock.Now()
	}
	for _, fn := range callbacks {
		go fn(e)
	}
}

func (mc *ManagedContainer) event(t EventType) Event {
	return Event{
		Type:     t,
		ToolName: mc.ToolName,
		ID:       mc.ID,
		Image:    mc.Image,
		Role:     mc.Role.String(),
	}
}
