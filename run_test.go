package ontolog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type OrderPlaced struct {
	OrderID string `onto:"order_id"`
}

type PaymentCompleted struct {
	OrderID string `onto:"order_id"`
}

type OrderFulfilled struct {
	OrderID string `onto:"order_id"`
}

type Tick struct {
	Label string `onto:"label"`
}

func fastLoopConfig(extra func(*Config)) Config {
	cfg := Config{
		EventPollInterval:        time.Millisecond,
		SessionHeartbeatInterval: time.Millisecond,
	}
	if extra != nil {
		extra(&cfg)
	}
	return cfg
}

func TestEventTypeName_Derivation(t *testing.T) {
	name, err := EventTypeName(OrderPlaced{})
	require.NoError(t, err)
	assert.Equal(t, "order.placed", name)

	name, err = EventTypeName(DeadLetter{})
	require.NoError(t, err)
	assert.Equal(t, "event.dead_letter", name)
}

func TestRun_HandlerChain(t *testing.T) {
	sess := openTestSession(t, WithConfig(fastLoopConfig(nil)))

	handlerA := On(func(ctx *HandlerContext, evt OrderPlaced) error {
		if err := ctx.Emit(PaymentCompleted{OrderID: evt.OrderID}); err != nil {
			return err
		}
		_, _, err := ctx.Commit()
		return err
	})
	handlerB := On(func(ctx *HandlerContext, evt PaymentCompleted) error {
		return ctx.Emit(OrderFulfilled{OrderID: evt.OrderID})
	})

	_, _, err := sess.CommitEvent(OrderPlaced{OrderID: "o1"})
	require.NoError(t, err)

	require.NoError(t, sess.Run([]Handler{handlerA, handlerB}, WithMaxIterations(5)))

	events, err := sess.EventBus().ListEvents(sess.Namespace(), 100)
	require.NoError(t, err)

	byType := map[string]Event{}
	var rootID string
	for _, ev := range events {
		env, _, err := sess.EventBus().InspectEvent(ev.ID, sess.Namespace())
		require.NoError(t, err)
		byType[ev.Type] = eventFromEnvelope(*env)
		if ev.Type == "order.placed" {
			rootID = env.ID
		}
	}

	require.Contains(t, byType, "order.placed")
	require.Contains(t, byType, "payment.completed")
	require.Contains(t, byType, "order.fulfilled")

	// Every derived event inherits the root lineage with increasing depth.
	assert.Equal(t, 0, byType["order.placed"].ChainDepth)
	assert.Equal(t, rootID, byType["order.placed"].RootEventID)
	assert.Equal(t, 1, byType["payment.completed"].ChainDepth)
	assert.Equal(t, rootID, byType["payment.completed"].RootEventID)
	assert.Equal(t, 2, byType["order.fulfilled"].ChainDepth)
	assert.Equal(t, rootID, byType["order.fulfilled"].RootEventID)

	assert.Equal(t, "o1", byType["order.fulfilled"].Payload["order_id"])
}

func TestRun_ChainDepthLimitRejectsEmit(t *testing.T) {
	sess := openTestSession(t, WithConfig(fastLoopConfig(func(c *Config) {
		c.MaxEventChainDepth = 1
	})))

	handlerA := On(func(ctx *HandlerContext, evt OrderPlaced) error {
		return ctx.Emit(PaymentCompleted{OrderID: evt.OrderID})
	})
	handlerB := On(func(ctx *HandlerContext, evt PaymentCompleted) error {
		return ctx.Emit(OrderFulfilled{OrderID: evt.OrderID})
	})

	_, _, err := sess.CommitEvent(OrderPlaced{OrderID: "o1"})
	require.NoError(t, err)

	require.NoError(t, sess.Run([]Handler{handlerA, handlerB}, WithMaxIterations(5)))

	events, err := sess.EventBus().ListEvents(sess.Namespace(), 100)
	require.NoError(t, err)
	types := map[string]bool{}
	for _, ev := range events {
		types[ev.Type] = true
	}
	// Depth 1 is allowed, depth 2 is rejected at emit.
	assert.True(t, types["payment.completed"])
	assert.False(t, types["order.fulfilled"])
}

func TestRun_HandlerFailureReleasesForRetry(t *testing.T) {
	sess := openTestSession(t, WithConfig(fastLoopConfig(func(c *Config) {
		c.EventMaxAttempts = 5
		c.EventBackoffBase = time.Millisecond
		c.EventBackoffMax = time.Millisecond
	})))

	attempts := 0
	flaky := On(func(ctx *HandlerContext, evt OrderPlaced) error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("transient failure")
		}
		return nil
	})

	_, _, err := sess.CommitEvent(OrderPlaced{OrderID: "o1"})
	require.NoError(t, err)

	require.NoError(t, sess.Run([]Handler{flaky}, WithMaxIterations(300)))
	assert.Equal(t, 2, attempts)

	events, err := sess.EventBus().ListEvents(sess.Namespace(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "acked", events[0].Status)
}

func TestRun_DeadLetterAfterMaxAttempts(t *testing.T) {
	sess := openTestSession(t, WithConfig(fastLoopConfig(func(c *Config) {
		c.EventMaxAttempts = 2
		c.EventBackoffBase = time.Millisecond
		c.EventBackoffMax = time.Millisecond
	})))

	broken := On(func(ctx *HandlerContext, evt OrderPlaced) error {
		return fmt.Errorf("permanently broken")
	})

	_, _, err := sess.CommitEvent(OrderPlaced{OrderID: "o1"})
	require.NoError(t, err)

	require.NoError(t, sess.Run([]Handler{broken}, WithMaxIterations(300)))

	letters, err := sess.EventBus().ListDeadLetters(sess.Namespace(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.Equal(t, "permanently broken", letters[0].LastError)
}

func TestRun_HandlerFailureDiscardsIntentsAndEmits(t *testing.T) {
	sess := openTestSession(t, WithConfig(fastLoopConfig(func(c *Config) {
		c.EventMaxAttempts = 1 // dead-letter on first failure
		c.EventBackoffBase = time.Millisecond
	})))

	failing := On(func(ctx *HandlerContext, evt OrderPlaced) error {
		if err := ctx.Ensure(Customer{ID: "should-not-exist", Name: "X"}); err != nil {
			return err
		}
		if err := ctx.Emit(PaymentCompleted{OrderID: evt.OrderID}); err != nil {
			return err
		}
		return fmt.Errorf("fail after staging")
	})

	_, _, err := sess.CommitEvent(OrderPlaced{OrderID: "o1"})
	require.NoError(t, err)
	require.NoError(t, sess.Run([]Handler{failing}, WithMaxIterations(10)))

	// Uncommitted intents and buffered emits are gone.
	n, err := Entities[Customer](sess).Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	events, err := sess.EventBus().ListEvents(sess.Namespace(), 100)
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, "payment.completed", ev.Type)
	}
}

func TestRun_HandlerCommitPersistsState(t *testing.T) {
	sess := openTestSession(t, WithConfig(fastLoopConfig(nil)))

	recorder := On(func(ctx *HandlerContext, evt OrderPlaced) error {
		if err := ctx.Ensure(Customer{ID: evt.OrderID, Name: "buyer"}); err != nil {
			return err
		}
		ctx.AddCommitMeta("handler", "recorder")
		_, _, err := ctx.Commit()
		return err
	})

	_, _, err := sess.CommitEvent(OrderPlaced{OrderID: "o9"})
	require.NoError(t, err)
	require.NoError(t, sess.Run([]Handler{recorder}, WithMaxIterations(5)))

	got, found, err := Entities[Customer](sess).Where(F("id").Eq("o9")).First()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "buyer", got.Name)

	commits, err := sess.ListCommits(1, 0)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "recorder", commits[0].Metadata["handler"])
}

func TestRun_LeaseExpiredCommitTriggersRetry(t *testing.T) {
	sess := openTestSession(t, WithConfig(fastLoopConfig(func(c *Config) {
		c.EventClaimLease = 3 * time.Millisecond
		c.EventMaxAttempts = 2
		c.EventBackoffBase = time.Millisecond
		c.EventBackoffMax = time.Millisecond
	})))

	var sawLeaseExpired bool
	slow := On(func(ctx *HandlerContext, evt OrderPlaced) error {
		time.Sleep(10 * time.Millisecond) // outlive the claim lease
		_, _, err := ctx.Commit()
		if err != nil && KindOf(err) == ErrLeaseExpired {
			sawLeaseExpired = true
		}
		return err
	})

	_, _, err := sess.CommitEvent(OrderPlaced{OrderID: "o1"})
	require.NoError(t, err)
	require.NoError(t, sess.Run([]Handler{slow}, WithMaxIterations(200)))

	assert.True(t, sawLeaseExpired, "commit inside the lease margin must raise LeaseExpired")
}

func TestRun_SchedulesValidateCron(t *testing.T) {
	sess := openTestSession(t, WithConfig(fastLoopConfig(nil)))

	var seen int
	ticker := On(func(ctx *HandlerContext, evt Tick) error {
		seen++
		sess.Stop()
		return nil
	})

	// Every-minute cron: the first fire is up to a minute out, so two
	// iterations emit nothing; this only checks that a valid schedule is
	// accepted and the loop runs.
	err := sess.Run([]Handler{ticker},
		WithSchedules(Schedule{Event: Tick{Label: "t"}, Cron: "* * * * *"}),
		WithMaxIterations(2),
	)
	require.NoError(t, err)

	// Invalid cron expressions are rejected up front.
	err = sess.Run([]Handler{ticker}, WithSchedules(Schedule{Event: Tick{}, Cron: "not a cron"}))
	require.Error(t, err)
}

func TestRun_DuplicateHandlersRejected(t *testing.T) {
	sess := openTestSession(t, WithConfig(fastLoopConfig(nil)))
	h := On(func(ctx *HandlerContext, evt OrderPlaced) error { return nil }, WithHandlerID("dup"))
	err := sess.Run([]Handler{h, h}, WithMaxIterations(1))
	require.Error(t, err)
}

func TestRun_PriorityOrdersHandlers(t *testing.T) {
	sess := openTestSession(t, WithConfig(fastLoopConfig(nil)))

	var order []string
	first := On(func(ctx *HandlerContext, evt OrderPlaced) error {
		order = append(order, "high")
		return nil
	}, WithPriority(200), WithHandlerID("high"))
	second := On(func(ctx *HandlerContext, evt OrderPlaced) error {
		order = append(order, "low")
		return nil
	}, WithPriority(50), WithHandlerID("low"))

	_, _, err := sess.CommitEvent(OrderPlaced{OrderID: "o1"})
	require.NoError(t, err)
	require.NoError(t, sess.Run([]Handler{second, first}, WithMaxIterations(3)))

	require.Len(t, order, 2)
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestReplay_RoundTripLaw(t *testing.T) {
	sess := openTestSession(t, WithConfig(fastLoopConfig(nil)))
	_, _, err := sess.CommitEvent(OrderPlaced{OrderID: "o1"})
	require.NoError(t, err)

	events, err := sess.EventBus().ListEvents(sess.Namespace(), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	newID, err := sess.EventBus().ReplayEvent(sess.Namespace(), events[0].ID)
	require.NoError(t, err)

	replayed, _, err := sess.EventBus().InspectEvent(newID, sess.Namespace())
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, "order.placed", replayed.Type)
	assert.Equal(t, events[0].Payload["order_id"], replayed.Payload["order_id"])
	assert.Equal(t, newID, replayed.RootEventID)
	assert.Equal(t, 0, replayed.ChainDepth)
}
