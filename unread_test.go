package engage

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func shareText(t *testing.T, store DocumentStore, senderId UserId, recipientId UserId, text string) {
	metrics := NewMetrics()
	engine := NewShareEngine(context.Background(), store, metrics)
	result, err := engine.ShareContent(
		context.Background(),
		senderId,
		[]UserId{recipientId},
		&ContentRef{
			ContentId: NewId(),
			OwnerId:   senderId,
			Kind:      ContentKindPost,
		},
		&ShareOptions{
			Message: text,
		},
	)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(result.Succeeded))
}

// three inbound messages with no prior read leave unreadCount == 3.
// marking read deletes the record - absence is the canonical empty state.
func TestUnreadCountAndMarkRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryDocumentStoreWithDefaults(ctx)
	defer store.Close()

	senderId := NewId()
	recipientId := NewId()
	conversationId := ConversationId(senderId, recipientId)

	for i := 0; i < 3; i += 1 {
		shareText(t, store, senderId, recipientId, "hey")
	}

	monitor := NewUnreadMonitor(ctx, store)

	hasUnread, err := monitor.HasUnread(ctx, recipientId, conversationId)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, hasUnread)

	snapshot, err := store.Get(ctx, UnreadPath(recipientId, conversationId))
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, snapshot.GetInt("unreadCount"))

	err = monitor.MarkRead(ctx, recipientId, conversationId)
	assert.Equal(t, nil, err)

	snapshot, err = store.Get(ctx, UnreadPath(recipientId, conversationId))
	assert.Equal(t, nil, err)
	assert.Equal(t, false, snapshot.Exists)

	hasUnread, err = monitor.HasUnread(ctx, recipientId, conversationId)
	assert.Equal(t, nil, err)
	assert.Equal(t, false, hasUnread)

	// every message addressed to the recipient flipped to read in the
	// same batch that deleted the record
	querySnapshot, err := store.Query(ctx, CollectionQuery(
		CollectionMessages,
		Eq("conversationId", conversationId.String()),
		Eq("recipientId", recipientId.String()),
	))
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(querySnapshot.Docs))
	for _, doc := range querySnapshot.Docs {
		assert.Equal(t, true, doc.GetBool("isRead"))
	}
}

// the subscription is the sole source of the unread badge: it recomputes
// the full list plus a summed total on every change
func TestSubscribeUnread(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryDocumentStoreWithDefaults(ctx)
	defer store.Close()

	recipientId := NewId()
	senderAId := NewId()
	senderBId := NewId()

	monitor := NewUnreadMonitor(ctx, store)

	states := make(chan *UnreadState, 16)
	unsub := monitor.SubscribeUnread(recipientId, func(state *UnreadState) {
		states <- state
	})
	defer unsub()

	// initial state on attach
	state := waitFor(t, states, func(state *UnreadState) bool {
		return true
	})
	assert.Equal(t, 0, state.Total)

	shareText(t, store, senderAId, recipientId, "one")
	shareText(t, store, senderAId, recipientId, "two")
	shareText(t, store, senderBId, recipientId, "three")

	state = waitFor(t, states, func(state *UnreadState) bool {
		return state.Total == 3
	})
	assert.Equal(t, 2, len(state.Conversations))

	err := monitor.MarkRead(ctx, recipientId, ConversationId(senderAId, recipientId))
	assert.Equal(t, nil, err)

	state = waitFor(t, states, func(state *UnreadState) bool {
		return state.Total == 1
	})
	assert.Equal(t, 1, len(state.Conversations))
	assert.Equal(t, ConversationId(senderBId, recipientId), state.Conversations[0].ConversationId)
}

func TestSubscribeUnreadCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryDocumentStoreWithDefaults(ctx)
	defer store.Close()

	recipientId := NewId()
	monitor := NewUnreadMonitor(ctx, store)

	states := make(chan *UnreadState, 16)
	unsub := monitor.SubscribeUnread(recipientId, func(state *UnreadState) {
		states <- state
	})

	waitFor(t, states, func(state *UnreadState) bool {
		return true
	})

	unsub()
	shareText(t, store, NewId(), recipientId, "after cancel")
	expectNone(t, states, 200*time.Millisecond)
}
