package ontolog

import (
	"fmt"
	"reflect"
	"time"

	"github.com/ontolog/ontolog/internal/eventbus"
	"github.com/ontolog/ontolog/internal/onterr"
)

// Handler is an explicit registration binding an event type to a function.
// Construct handlers with On.
type Handler struct {
	eventType string
	handlerID string
	priority  int
	goType    reflect.Type
	invoke    func(ctx *HandlerContext, payload map[string]any) error
}

// HandlerID returns the stable identity used for claims.
func (h Handler) HandlerID() string { return h.handlerID }

// EventType returns the wire event type the handler consumes.
func (h Handler) EventType() string { return h.eventType }

// HandlerOption customizes a handler registration.
type HandlerOption func(*Handler)

// WithPriority orders handlers: higher runs earlier. Default 100.
func WithPriority(priority int) HandlerOption {
	return func(h *Handler) { h.priority = priority }
}

// WithHandlerID overrides the derived handler identity. Handler ids key
// claims and retries; changing one re-delivers in-flight events.
func WithHandlerID(id string) HandlerOption {
	return func(h *Handler) { h.handlerID = id }
}

// On registers fn for events of type E. The handler id defaults to E's wire
// type plus the function's name, which is stable across process restarts.
func On[E any](fn func(ctx *HandlerContext, event E) error, opts ...HandlerOption) Handler {
	var zero E
	eventType, err := EventTypeName(zero)
	goType := reflect.TypeOf(zero)

	h := Handler{
		eventType: eventType,
		priority:  eventbus.DefaultPriority,
		goType:    goType,
	}
	if err != nil {
		h.invoke = func(*HandlerContext, map[string]any) error {
			return onterr.Wrap(onterr.KindValidation, "handler", err)
		}
		return h
	}
	h.handlerID = eventType + "/" + funcName(fn)
	h.invoke = func(ctx *HandlerContext, payload map[string]any) error {
		decoded, err := decodeEventPayload(goType, payload)
		if err != nil {
			return err
		}
		event, ok := decoded.(E)
		if !ok {
			return onterr.New(onterr.KindValidation, "handler",
				"decoded payload is %T, expected %T", decoded, zero)
		}
		return fn(ctx, event)
	}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

func funcName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return fmt.Sprintf("%T", fn)
	}
	return runtimeFuncName(v)
}

// Schedule emits a fresh root copy of Event whenever Cron matches.
type Schedule struct {
	Event any
	Cron  string
}

// HandlerContext is supplied to each handler invocation.
type HandlerContext struct {
	// Event is the claimed event with its envelope metadata.
	Event Event

	// LeaseUntil is the claim lease deadline. Commit refuses to run inside
	// the lease safety margin to prevent duplicate processing.
	LeaseUntil time.Time

	session    *Session
	commitMeta map[string]string
	buffered   []eventbus.Envelope
}

// Ensure queues intents on the session, like Session.Ensure.
func (ctx *HandlerContext) Ensure(objs ...any) error {
	return ctx.session.Ensure(objs...)
}

// Emit buffers an event. Buffered events are enqueued only after the
// handler succeeds; a failing handler discards them.
func (ctx *HandlerContext) Emit(event any) error {
	env, err := encodeEvent(event)
	if err != nil {
		return err
	}
	ctx.buffered = append(ctx.buffered, env)
	return nil
}

// AddCommitMeta attaches a metadata pair to the next commit from this
// context.
func (ctx *HandlerContext) AddCommitMeta(key, value string) {
	if ctx.commitMeta == nil {
		ctx.commitMeta = map[string]string{}
	}
	ctx.commitMeta[key] = value
}

// Commit reconciles queued intents into a commit, lease-aware: if the claim
// lease is within its safety margin the commit aborts with LeaseExpired and
// the handler is retried. Returns (0, false, nil) for an empty delta.
func (ctx *HandlerContext) Commit() (int64, bool, error) {
	return ctx.commit(nil)
}

// CommitEvent commits and, on success, enqueues the given event as a child
// of the handled event. An empty delta still enqueues the event.
func (ctx *HandlerContext) CommitEvent(event any) (int64, bool, error) {
	return ctx.commit(event)
}

func (ctx *HandlerContext) commit(event any) (int64, bool, error) {
	meta := ctx.commitMeta
	ctx.commitMeta = nil
	parent := ctx.session.envelopeOf(ctx.Event)
	return ctx.session.commitInternal(event, meta, &parent, ctx.LeaseUntil)
}
