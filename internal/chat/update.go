package chat

import (
	"sync"

	"github.com/lorekeep/lorekeep/pkg/types"
)

// Phase names a stage of a chat turn, in execution order. Every turn
// begins with [PhaseAccepted] and ends with exactly one of [PhaseDone] or
// [PhaseFailed].
type Phase string

const (
	PhaseAccepted   Phase = "accepted"
	PhaseRetrieving Phase = "retrieving"
	PhaseGenerating Phase = "generating"
	PhaseSaving     Phase = "saving"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// Field identifies one interface target a [TurnUpdate] can carry data
// for. Sinks bind to fields by name, never to positions in a tuple: an
// update declares which fields it carries and the [Dispatcher] routes
// only those, so adding a field later cannot silently shift what an
// existing sink receives.
type Field string

const (
	FieldStatus       Field = "status"
	FieldReply        Field = "reply"
	FieldSources      Field = "sources"
	FieldConversation Field = "conversation"
	FieldError        Field = "error"
)

// fieldAny marks a binding that fires for every update.
const fieldAny Field = ""

// allFields lists the routable fields in a stable order for [TurnUpdate.Fields].
var allFields = []Field{FieldStatus, FieldReply, FieldSources, FieldConversation, FieldError}

// TurnUpdate is one progress report from a chat turn. The phase is always
// set; the remaining fields are populated only when the update carries
// them. Updates serialize directly as websocket frames.
type TurnUpdate struct {
	Phase          Phase          `json:"phase"`
	Status         string         `json:"status,omitempty"`
	Reply          string         `json:"reply,omitempty"`
	Sources        []types.Source `json:"sources,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Err            string         `json:"error,omitempty"`
}

// Carries reports whether the update has data for f.
func (u TurnUpdate) Carries(f Field) bool {
	switch f {
	case FieldStatus:
		return u.Status != ""
	case FieldReply:
		return u.Reply != ""
	case FieldSources:
		return len(u.Sources) > 0
	case FieldConversation:
		return u.ConversationID != ""
	case FieldError:
		return u.Err != ""
	}
	return false
}

// Fields returns the targets this update carries data for, in the order
// of the Field declarations.
func (u TurnUpdate) Fields() []Field {
	var out []Field
	for _, f := range allFields {
		if u.Carries(f) {
			out = append(out, f)
		}
	}
	return out
}

// Sink consumes updates routed to one binding.
type Sink func(TurnUpdate)

// Dispatcher routes turn updates to bound sinks. [Dispatcher.Bind] attaches
// a sink to one field; [Dispatcher.BindAll] attaches a sink to every
// update. Dispatch invokes each binding whose field the update carries, in
// registration order, and serialises calls so sinks that write to a shared
// stream (a terminal, a websocket) need no locking of their own.
//
// The zero value is a usable dispatcher with no bindings.
type Dispatcher struct {
	mu       sync.Mutex
	bindings []binding
}

type binding struct {
	field Field
	sink  Sink
}

// Bind registers sink for updates that carry f.
func (d *Dispatcher) Bind(f Field, sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings = append(d.bindings, binding{field: f, sink: sink})
}

// BindAll registers sink for every dispatched update, whatever fields it
// carries. Frame relays that forward whole updates use this; interface
// targets that render one field should prefer [Dispatcher.Bind].
func (d *Dispatcher) BindAll(sink Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings = append(d.bindings, binding{field: fieldAny, sink: sink})
}

// Dispatch routes u to every matching binding in registration order.
func (d *Dispatcher) Dispatch(u TurnUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range d.bindings {
		if b.field == fieldAny || u.Carries(b.field) {
			b.sink(u)
		}
	}
}
