package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"callhub/internal/app/event"
	"callhub/internal/app/presence"
	"callhub/internal/app/rooms"
	"callhub/internal/app/store"
	"callhub/internal/pkg/errs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	id, userID string
	mu         sync.Mutex
	got        []event.Envelope
}

func (c *recordingConn) ID() string     { return c.id }
func (c *recordingConn) UserID() string { return c.userID }
func (c *recordingConn) Deliver(env event.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	return nil
}

func (c *recordingConn) ofType(t string) []event.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Envelope
	for _, env := range c.got {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = nil
}

type countingMessages struct {
	store.MessageStore
	writes int
}

func (c *countingMessages) Persist(ctx context.Context, msg store.Message) error {
	c.writes++
	return c.MessageStore.Persist(ctx, msg)
}

type fixture struct {
	mem      *store.Memory
	msgs     *countingMessages
	registry *presence.Registry
	relay    *Relay
	alice    *recordingConn
	bob      *recordingConn
	mallory  *recordingConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := store.NewMemory()
	mem.AddRoom("R", "alice", "bob")
	mem.AddRoom("other", "mallory", "bob")

	msgs := &countingMessages{MessageStore: mem}
	registry := presence.NewRegistry()
	relay := NewRelay(rooms.NewResolver(mem), mem, msgs, registry, Options{MaxContentBytes: 20})

	f := &fixture{
		mem:      mem,
		msgs:     msgs,
		registry: registry,
		relay:    relay,
		alice:    &recordingConn{id: "a1", userID: "alice"},
		bob:      &recordingConn{id: "b1", userID: "bob"},
		mallory:  &recordingConn{id: "m1", userID: "mallory"},
	}
	registry.Register("alice", f.alice)
	registry.Register("bob", f.bob)
	registry.Register("mallory", f.mallory)
	return f
}

func TestSendMessageScenarioB(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.relay.Join(ctx, f.alice, "R"))
	require.NoError(t, f.relay.Join(ctx, f.bob, "R"))
	f.alice.reset()
	f.bob.reset()

	require.NoError(t, f.relay.SendMessage(ctx, f.alice, "Alice", "R", "  hello  "))

	for _, c := range []*recordingConn{f.alice, f.bob} {
		delivered := c.ofType(event.TypeMessageDelivered)
		require.Len(t, delivered, 1, c.userID)

		var msg event.MessageDelivered
		require.NoError(t, delivered[0].Decode(&msg))
		assert.Equal(t, "hello", msg.Content)
		assert.Equal(t, "alice", msg.Sender)
		assert.Equal(t, "Alice", msg.SenderName)
		assert.Equal(t, "R", msg.Room)

		lists := c.ofType(event.TypeRoomList)
		require.Len(t, lists, 1, c.userID)

		var list event.RoomList
		require.NoError(t, lists[0].Decode(&list))
		var found bool
		for _, room := range list.Rooms {
			if room.ID == "R" {
				found = true
				require.NotNil(t, room.LastMessage)
				assert.Equal(t, "hello", room.LastMessage.Content)
			}
		}
		assert.True(t, found)
	}

	assert.Empty(t, f.mallory.got)
	assert.Equal(t, 1, f.msgs.writes)
}

func TestSendMessageReachesUnsubscribedSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.relay.Join(ctx, f.bob, "R"))
	require.NoError(t, f.relay.SendMessage(ctx, f.alice, "Alice", "R", "hi"))

	assert.Len(t, f.alice.ofType(event.TypeMessageDelivered), 1)
	assert.Len(t, f.bob.ofType(event.TypeMessageDelivered), 1)
}

func TestNonMemberIsDroppedSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.relay.Join(ctx, f.alice, "R"))
	require.NoError(t, f.relay.Join(ctx, f.bob, "R"))
	f.alice.reset()
	f.bob.reset()

	require.NoError(t, f.relay.Join(ctx, f.mallory, "R"))
	require.NoError(t, f.relay.SetTyping(ctx, f.mallory, "Mallory", "R", true))
	require.NoError(t, f.relay.SendMessage(ctx, f.mallory, "Mallory", "R", "spam"))

	assert.False(t, f.relay.Subscribed(f.mallory, "R"))
	assert.Empty(t, f.alice.got)
	assert.Empty(t, f.bob.got)
	assert.Empty(t, f.mallory.got)
	assert.Equal(t, 0, f.msgs.writes)
}

func TestUnknownRoomIsDroppedSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.relay.Join(ctx, f.alice, "nope"))
	require.NoError(t, f.relay.SendMessage(ctx, f.alice, "Alice", "nope", "hi"))
	assert.Empty(t, f.alice.got)
	assert.Equal(t, 0, f.msgs.writes)
}

func TestJoinSendsHistoryOldestFirstToCallerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.relay.SendMessage(ctx, f.alice, "Alice", "R", "first"))
	require.NoError(t, f.relay.SendMessage(ctx, f.bob, "Bob", "R", "second"))
	require.NoError(t, f.relay.Join(ctx, f.bob, "R"))
	f.alice.reset()
	f.bob.reset()

	require.NoError(t, f.relay.Join(ctx, f.alice, "R"))

	histories := f.alice.ofType(event.TypeRoomHistory)
	require.Len(t, histories, 1)

	var h event.RoomHistory
	require.NoError(t, histories[0].Decode(&h))
	assert.Equal(t, "R", h.RoomID)
	require.Len(t, h.Messages, 2)
	assert.Equal(t, "first", h.Messages[0].Content)
	assert.Equal(t, "second", h.Messages[1].Content)

	assert.Empty(t, f.bob.ofType(event.TypeRoomHistory))
}

func TestTypingExcludesSender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.relay.Join(ctx, f.alice, "R"))
	require.NoError(t, f.relay.Join(ctx, f.bob, "R"))
	f.alice.reset()
	f.bob.reset()

	require.NoError(t, f.relay.SetTyping(ctx, f.alice, "Alice", "R", true))

	assert.Empty(t, f.alice.got)
	got := f.bob.ofType(event.TypeTypingChanged)
	require.Len(t, got, 1)

	var tc event.TypingChanged
	require.NoError(t, got[0].Decode(&tc))
	assert.Equal(t, event.TypingChanged{RoomID: "R", UserID: "alice", UserName: "Alice", Typing: true}, tc)
}

func TestLeaveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NotPanics(t, func() {
		f.relay.Leave(f.alice, "R")
		f.relay.Leave(f.alice, "never-joined")
	})

	require.NoError(t, f.relay.Join(ctx, f.bob, "R"))
	require.NoError(t, f.relay.Join(ctx, f.alice, "R"))
	f.relay.Leave(f.alice, "R")
	f.relay.Leave(f.alice, "R")

	assert.False(t, f.relay.Subscribed(f.alice, "R"))
	assert.True(t, f.relay.Subscribed(f.bob, "R"))
}

func TestLeaveAllReleasesEverySubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.relay.Join(ctx, f.bob, "R"))
	require.NoError(t, f.relay.Join(ctx, f.bob, "other"))
	f.relay.LeaveAll(f.bob)

	assert.False(t, f.relay.Subscribed(f.bob, "R"))
	assert.False(t, f.relay.Subscribed(f.bob, "other"))
}

func TestBlankAndOversizedContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.relay.SendMessage(ctx, f.alice, "Alice", "R", "   \n\t "))
	assert.Equal(t, 0, f.msgs.writes)

	err := f.relay.SendMessage(ctx, f.alice, "Alice", "R", strings.Repeat("x", 21))
	var customErr *errs.CustomError
	require.True(t, errors.As(err, &customErr))
	assert.Equal(t, errs.ErrMessageContentTooLong, customErr.Code)
	assert.Equal(t, 0, f.msgs.writes)
	assert.Empty(t, f.bob.got)
}

func TestPushRoomListSkipsOffline(t *testing.T) {
	f := newFixture(t)
	f.registry.Unregister("bob", f.bob)

	require.NoError(t, f.relay.PushRoomList(context.Background(), "bob"))
	assert.Empty(t, f.bob.got)
}

type failingSummaries struct {
	store.RoomStore
}

func (failingSummaries) UpdateLastMessage(context.Context, string, store.Message) error {
	return errors.New("summary write failed")
}

func TestSendMessageSurvivesSummaryFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	relay := NewRelay(rooms.NewResolver(f.mem), failingSummaries{RoomStore: f.mem}, f.msgs, f.registry, Options{})
	require.NoError(t, relay.Join(ctx, f.bob, "R"))
	f.bob.reset()

	require.NoError(t, relay.SendMessage(ctx, f.alice, "Alice", "R", "hello"))

	assert.Equal(t, 1, f.msgs.writes)
	assert.Len(t, f.alice.ofType(event.TypeMessageDelivered), 1)
	assert.Len(t, f.bob.ofType(event.TypeMessageDelivered), 1)
	assert.Len(t, f.bob.ofType(event.TypeRoomList), 1)

	history, err := f.mem.History(ctx, "R", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)
}
