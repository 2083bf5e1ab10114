// Package registry holds the runtime state of every active instance and
// applies adapter events to it through the pairing state machine.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devghori1264/aerophoenix/instanced/internal/adapter"
	"github.com/devghori1264/aerophoenix/instanced/internal/ids"
	"github.com/devghori1264/aerophoenix/instanced/internal/models"
)

// Patch lists the fields UpdateStatus overwrites. Nil fields are left alone;
// a pointer to the zero value clears the field.
type Patch struct {
	PairingCode    *string
	ConnectionInfo *json.RawMessage
}

// Outcome says what Apply did with an event.
type Outcome int

const (
	// Applied means the event's side effects were applied.
	Applied Outcome = iota
	// Ignored means the state machine has no transition for the event.
	Ignored
	// Stale means the instance is gone or was re-registered since the
	// event stream was attached.
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Transition describes the result of Apply.
type Transition struct {
	Outcome Outcome
	From    models.Status
	To      models.Status
	// State is the snapshot after the event, zero when Stale.
	State models.InstanceState
	// Forward is the event to relay, if any.
	Forward *models.ForwardEvent
}

type entry struct {
	state  models.InstanceState
	handle adapter.Handle
	gen    uint64
}

// Registry maps instance ids to their runtime state. It is safe for
// concurrent use; reads never block on adapter activity.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*entry
	nextGen   uint64
	now       func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		instances: make(map[string]*entry),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register inserts state for state.ID together with its adapter handle and
// returns the generation that event streams for this registration must
// present to Apply.
func (r *Registry) Register(state models.InstanceState, h adapter.Handle) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[state.ID]; ok {
		return 0, fmt.Errorf("registry: instance %q already registered", state.ID)
	}
	r.nextGen++
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = r.now()
	}
	r.instances[state.ID] = &entry{state: state, handle: h, gen: r.nextGen}
	return r.nextGen, nil
}

// Unregister removes id and hands back its adapter handle.
func (r *Registry) Unregister(id string) (adapter.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	delete(r.instances, id)
	return e.handle, true
}

// Get returns the latest snapshot for id.
func (r *Registry) Get(id string) (models.InstanceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.instances[id]
	if !ok {
		return models.InstanceState{}, false
	}
	return e.state, true
}

// Handle returns the adapter handle registered for id.
func (r *Registry) Handle(id string) (adapter.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// List returns a summary of every registered instance, ordered by id.
func (r *Registry) List() []models.InstanceSummary {
	r.mu.RLock()
	out := make([]models.InstanceSummary, 0, len(r.instances))
	for _, e := range r.instances {
		out = append(out, e.state.Summary())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// UpdateStatus sets the status of id and overwrites the fields present in
// patch. It reports false, changing nothing, when id is not registered.
func (r *Registry) UpdateStatus(id string, status models.Status, patch Patch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		return false
	}
	r.patchLocked(e, status, patch)
	return true
}

func (r *Registry) patchLocked(e *entry, status models.Status, patch Patch) {
	e.state.Status = status
	if patch.PairingCode != nil {
		e.state.PairingCode = *patch.PairingCode
	}
	if patch.ConnectionInfo != nil {
		e.state.ConnectionInfo = append(json.RawMessage(nil), (*patch.ConnectionInfo)...)
	}
	e.state.UpdatedAt = r.now()
}

// Apply runs ev through the state machine for the registration identified by
// id and gen. Events for a removed or replaced registration are Stale and
// never recreate state.
func (r *Registry) Apply(id string, gen uint64, ev adapter.Event) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.instances[id]
	if !ok || e.gen != gen {
		return Transition{Outcome: Stale}
	}

	from := e.state.Status
	to, accepted := Next(from, ev)
	if !accepted {
		// The pairing code of a dropped session cannot be scanned anymore.
		if from == models.StatusQRPending && ev.Kind == adapter.EventStatus &&
			ev.Status == adapter.StatusDisconnected && e.state.PairingCode != "" {
			cleared := ""
			r.patchLocked(e, from, Patch{PairingCode: &cleared})
		}
		return Transition{Outcome: Ignored, From: from, To: from, State: e.state}
	}

	var (
		patch   Patch
		forward *models.ForwardEvent
	)
	switch ev.Kind {
	case adapter.EventPairingCode:
		code := ev.Code
		patch.PairingCode = &code
	case adapter.EventStatus:
		switch to {
		case models.StatusConnected:
			cleared := ""
			info := ev.Info
			patch.PairingCode = &cleared
			patch.ConnectionInfo = &info
			if from != models.StatusConnected {
				forward = r.event(models.EventConnected)
				forward.Info = ev.Info
			}
		case models.StatusDisconnected:
			forward = r.event(models.EventDisconnected)
			forward.Reason = ev.Reason
		}
	case adapter.EventMessage:
		forward = r.event(models.EventMessage)
		forward.Message = ev.Payload
	}

	if ev.Kind != adapter.EventMessage {
		r.patchLocked(e, to, patch)
	}
	return Transition{Outcome: Applied, From: from, To: to, State: e.state, Forward: forward}
}

func (r *Registry) event(typ string) *models.ForwardEvent {
	return &models.ForwardEvent{ID: ids.New(), Type: typ, At: r.now()}
}
