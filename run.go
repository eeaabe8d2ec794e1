package ontolog

import (
	"fmt"
	"sort"
	"time"

	"github.com/ontolog/ontolog/internal/eventbus"
	"github.com/ontolog/ontolog/internal/onterr"
)

// RunOption customizes the event loop.
type RunOption func(*runOptions)

type runOptions struct {
	schedules     []Schedule
	maxIterations int
}

// WithSchedules registers cron schedules emitting root events.
func WithSchedules(schedules ...Schedule) RunOption {
	return func(o *runOptions) { o.schedules = append(o.schedules, schedules...) }
}

// WithMaxIterations bounds the loop, mainly for tests and drains.
func WithMaxIterations(n int) RunOption {
	return func(o *runOptions) { o.maxIterations = n }
}

type scheduleState struct {
	schedule Schedule
	cron     *eventbus.CronSpec
	nextFire time.Time
}

// Run enters the reactive loop: register the bus session, poll schedules,
// claim events per handler in priority order, and dispatch synchronously.
// The loop exits on Stop or after maxIterations.
func (s *Session) Run(handlers []Handler, opts ...RunOption) error {
	if err := s.ensureSchemaValidated(); err != nil {
		return err
	}

	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	entries, err := orderHandlers(handlers)
	if err != nil {
		return err
	}

	var schedules []scheduleState
	now := time.Now().UTC()
	for _, sched := range o.schedules {
		spec, err := eventbus.ParseCron(sched.Cron)
		if err != nil {
			return onterr.Wrap(onterr.KindValidation, "run", err)
		}
		schedules = append(schedules, scheduleState{
			schedule: sched, cron: spec, nextFire: spec.Next(now),
		})
	}

	if err := s.eventStore.RegisterSession(s.sessionID, s.namespace, s.instanceMetadata); err != nil {
		return err
	}

	nextHeartbeat := time.Now()
	s.stopRequested = false

	// Outstanding claims release on graceful shutdown so other sessions can
	// take over immediately instead of waiting for lease expiry.
	type claimRef struct{ handlerID, eventID string }
	var outstanding []claimRef

	defer func() {
		for _, ref := range outstanding {
			if err := s.eventStore.Release(ref.handlerID, ref.eventID, s.namespace, "session stopped"); err != nil {
				s.cfg.Logger.Warn("release claim on shutdown failed",
					"handler_id", ref.handlerID, "event_id", ref.eventID, "error", err)
			}
		}
	}()

	iterations := 0
	for !s.stopRequested {
		if o.maxIterations > 0 && iterations >= o.maxIterations {
			return nil
		}
		now := time.Now().UTC()

		if !now.Before(nextHeartbeat) {
			if err := s.eventStore.Heartbeat(s.sessionID, s.namespace); err != nil {
				s.cfg.Logger.Warn("heartbeat failed", "error", err)
			}
			nextHeartbeat = now.Add(s.cfg.SessionHeartbeatInterval)
		}

		for i := range schedules {
			state := &schedules[i]
			for !now.Before(state.nextFire) {
				env, err := s.prepareEvent(state.schedule.Event, nil)
				if err != nil {
					return err
				}
				if err := s.eventStore.Enqueue(env, s.namespace); err != nil {
					s.cfg.Logger.Warn("schedule enqueue failed",
						"cron", state.cron.String(), "error", err)
					break
				}
				state.nextFire = state.cron.Next(state.nextFire)
			}
		}

		processed := 0
		for _, entry := range entries {
			if processed >= s.cfg.MaxEventsPerIteration {
				break
			}
			remaining := s.cfg.MaxEventsPerIteration - processed
			claimLimit := s.cfg.EventClaimLimit
			if claimLimit > remaining {
				claimLimit = remaining
			}

			claimed, err := s.eventStore.Claim(
				s.namespace, entry.handlerID, s.sessionID,
				[]string{entry.eventType}, claimLimit, s.cfg.EventClaimLease,
			)
			if err != nil {
				return err
			}

			for _, ce := range claimed {
				if processed >= s.cfg.MaxEventsPerIteration {
					break
				}
				processed++

				outstanding = append(outstanding, claimRef{entry.handlerID, ce.Event.ID})
				popClaim := func() { outstanding = outstanding[:len(outstanding)-1] }

				// Any intents left over from a previous handler must not
				// leak into this invocation.
				s.intents = nil
				ctx := &HandlerContext{
					Event:      eventFromEnvelope(ce.Event),
					LeaseUntil: ce.LeaseUntil,
					session:    s,
				}

				if err := entry.invoke(ctx, ce.Event.Payload); err != nil {
					s.intents = nil
					popClaim()
					if relErr := s.eventStore.Release(entry.handlerID, ce.Event.ID, s.namespace, err.Error()); relErr != nil {
						s.cfg.Logger.Warn("release failed",
							"handler_id", entry.handlerID, "event_id", ce.Event.ID, "error", relErr)
					}
					continue
				}

				// Ack before flushing buffered emits: a flush failure must
				// not retry the handler, or events already enqueued via
				// CommitEvent would duplicate.
				if err := s.eventStore.Ack(entry.handlerID, ce.Event.ID, s.namespace); err != nil {
					popClaim()
					s.cfg.Logger.Warn("ack failed; claim will expire and retry",
						"handler_id", entry.handlerID, "event_id", ce.Event.ID, "error", err)
					continue
				}
				popClaim()

				if err := s.flushBuffered(ctx, ce.Event); err != nil {
					s.cfg.Logger.Warn("buffered emits lost after ack",
						"event_id", ce.Event.ID, "error", err)
				}
			}
		}

		time.Sleep(s.cfg.EventPollInterval)
		iterations++
	}
	return nil
}

func (s *Session) flushBuffered(ctx *HandlerContext, parent eventbus.Envelope) error {
	for _, env := range ctx.buffered {
		out := env
		out.Derive(parent, time.Now().UTC())
		if out.ChainDepth > s.cfg.MaxEventChainDepth {
			return onterr.New(onterr.KindEventLoopLimit, "emit",
				"event chain depth %d exceeds max_event_chain_depth %d",
				out.ChainDepth, s.cfg.MaxEventChainDepth)
		}
		if err := s.eventStore.Enqueue(out, s.namespace); err != nil {
			return err
		}
	}
	ctx.buffered = nil
	return nil
}

// orderHandlers validates uniqueness and sorts by (priority DESC,
// handler-id ASC).
func orderHandlers(handlers []Handler) ([]Handler, error) {
	seen := map[string]bool{}
	out := append([]Handler(nil), handlers...)
	for _, h := range out {
		if h.handlerID == "" {
			return nil, onterr.New(onterr.KindValidation, "run", "handler for %q has no id", h.eventType)
		}
		if seen[h.handlerID] {
			return nil, onterr.New(onterr.KindValidation, "run",
				fmt.Sprintf("duplicate handler: %s", h.handlerID))
		}
		seen[h.handlerID] = true
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority > out[j].priority
		}
		return out[i].handlerID < out[j].handlerID
	})
	return out, nil
}
