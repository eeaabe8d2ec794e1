package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontolog/ontolog/internal/objstore"
	"github.com/ontolog/ontolog/internal/testutil"
)

func openS3Bus(t *testing.T, cfg Config) (*S3Store, *objstore.Mem, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg.Now = clk.Now
	mem := objstore.NewMem()
	return NewS3Store(mem, "prefix", cfg), mem, clk
}

func TestS3_EnqueueClaimAck(t *testing.T) {
	bus, _, _ := openS3Bus(t, Config{MaxAttempts: 3})

	env := Envelope{Type: "order.placed", Payload: map[string]any{"order_id": "o1"}}
	require.NoError(t, bus.Enqueue(env, "ns"))

	claimed, err := bus.Claim("ns", "h1", "s1", []string{"order.placed"}, 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	got := claimed[0].Event
	assert.Equal(t, "order.placed", got.Type)
	assert.Equal(t, "o1", got.Payload["order_id"])
	assert.Equal(t, got.ID, got.RootEventID)

	// While the lease holds, a second session cannot take the claim.
	again, err := bus.Claim("ns", "h1", "s2", []string{"order.placed"}, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, bus.Ack("h1", got.ID, "ns"))
	again, err = bus.Claim("ns", "h1", "s2", []string{"order.placed"}, 10, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestS3_ClaimRace_OnlyOneWinner(t *testing.T) {
	mem := objstore.NewMem()
	clk := testutil.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	busA := NewS3Store(mem, "prefix", Config{MaxAttempts: 3, Now: clk.Now})
	busB := NewS3Store(mem, "prefix", Config{MaxAttempts: 3, Now: clk.Now})

	require.NoError(t, busA.Enqueue(Envelope{Type: "job.run", Payload: map[string]any{}}, "ns"))

	a, err := busA.Claim("ns", "h1", "session-a", []string{"job.run"}, 10, 30*time.Second)
	require.NoError(t, err)
	b, err := busB.Claim("ns", "h1", "session-b", []string{"job.run"}, 10, 30*time.Second)
	require.NoError(t, err)

	// The object CAS admits exactly one claimant per (event, handler).
	assert.Equal(t, 1, len(a)+len(b))
}

func TestS3_ReleaseBackoffAndDeadLetter(t *testing.T) {
	bus, _, clk := openS3Bus(t, Config{
		MaxAttempts: 2, BackoffBase: time.Second, BackoffMax: time.Minute,
	})
	require.NoError(t, bus.Enqueue(Envelope{Type: "job.run", Payload: map[string]any{}}, "ns"))

	claimed, err := bus.Claim("ns", "h1", "s1", []string{"job.run"}, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	eventID := claimed[0].Event.ID

	require.NoError(t, bus.Release("h1", eventID, "ns", "broken"))

	// Within backoff: not claimable.
	again, err := bus.Claim("ns", "h1", "s1", []string{"job.run"}, 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, again)

	clk.Advance(10 * time.Second)
	again, err = bus.Claim("ns", "h1", "s1", []string{"job.run"}, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, again, 1)

	require.NoError(t, bus.Release("h1", eventID, "ns", "still broken"))

	letters, err := bus.ListDeadLetters("ns", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 2, letters[0].Attempts)

	// The synthetic dead-letter event preserves lineage.
	deadClaims, err := bus.Claim("ns", "auditor", "s1", []string{DeadLetterEventType}, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, deadClaims, 1)
	assert.Equal(t, claimed[0].Event.RootEventID, deadClaims[0].Event.RootEventID)
	assert.Equal(t, 1, deadClaims[0].Event.ChainDepth)
}

func TestS3_OrderingAndInspect(t *testing.T) {
	bus, _, clk := openS3Bus(t, Config{MaxAttempts: 3})

	require.NoError(t, bus.Enqueue(Envelope{Type: "job.run", Priority: 100, Payload: map[string]any{}}, "ns"))
	clk.Advance(time.Second)
	require.NoError(t, bus.Enqueue(Envelope{Type: "job.run", Priority: 300, Payload: map[string]any{}}, "ns"))

	claimed, err := bus.Claim("ns", "h1", "s1", []string{"job.run"}, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, 300, claimed[0].Event.Priority)

	env, claims, err := bus.InspectEvent(claimed[0].Event.ID, "ns")
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Len(t, claims, 1)
	assert.Equal(t, "h1", claims[0].HandlerID)
	assert.Equal(t, "s1", claims[0].SessionID)
}

func TestS3_SessionsAndNamespaces(t *testing.T) {
	bus, _, _ := openS3Bus(t, Config{MaxAttempts: 3})
	require.NoError(t, bus.RegisterSession("s1", "ns", map[string]any{"host": "a"}))
	require.NoError(t, bus.Heartbeat("s1", "ns"))
	require.NoError(t, bus.Enqueue(Envelope{Type: "x.y", Payload: map[string]any{}}, "ns"))

	sessions, err := bus.ListSessions("ns", time.Minute)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)

	infos, err := bus.ListNamespaces(time.Minute)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].PendingEvents)
	assert.Equal(t, 1, infos[0].Sessions)
}

func TestS3_ReplayAndCleanup(t *testing.T) {
	bus, _, clk := openS3Bus(t, Config{MaxAttempts: 3})
	require.NoError(t, bus.Enqueue(Envelope{Type: "x.y", Payload: map[string]any{"a": "b"}, Priority: 150}, "ns"))

	events, err := bus.ListEvents("ns", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	newID, err := bus.ReplayEvent("ns", events[0].ID)
	require.NoError(t, err)
	replayed, _, err := bus.InspectEvent(newID, "ns")
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, "x.y", replayed.Type)
	assert.Equal(t, newID, replayed.RootEventID)
	assert.Equal(t, 0, replayed.ChainDepth)

	clk.Advance(48 * time.Hour)
	n, err := bus.CleanupEvents("ns", clk.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
