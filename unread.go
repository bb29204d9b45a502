package engage

import (
	"context"
	"slices"
	"time"

	"github.com/golang/glog"
)

// per-conversation unread counters for one user, reconciled across any
// number of simultaneously connected readers.
//
// the counter is incremented inside the same batch that writes the
// message (see share.go), so a subscriber can never observe a message
// without its unread increment or vice versa. the record is deleted, not
// zeroed, when the owner marks the conversation read: absence of the
// record is the canonical "no unread" state, so "no record" and "zero
// unread" cannot disagree.

type UnreadConversation struct {
	ConversationId Id
	UnreadCount    int
	LastUpdated    time.Time
}

type UnreadState struct {
	Conversations []UnreadConversation
	// summed across conversations. this is the sole source of the unread
	// badge; no other code path may locally adjust a badge count.
	Total int
}

type UnreadStateFunction func(state *UnreadState)

type UnreadMonitor struct {
	ctx   context.Context
	store DocumentStore
}

func NewUnreadMonitor(ctx context.Context, store DocumentStore) *UnreadMonitor {
	return &UnreadMonitor{
		ctx:   ctx,
		store: store,
	}
}

// one batch: delete the unread record and flip isRead on every unread
// message in the conversation addressed to this user. delivery order
// between the record subscription and the message subscription is not
// guaranteed across collections, which is why both writes ride one batch
// instead of relying on observed order.
func (self *UnreadMonitor) MarkRead(ctx context.Context, userId UserId, conversationId Id) error {
	querySnapshot, err := self.store.Query(ctx, CollectionQuery(
		CollectionMessages,
		Eq("conversationId", conversationId.String()),
		Eq("recipientId", userId.String()),
		Eq("isRead", false),
	))
	if err != nil {
		return err
	}

	batch := self.store.NewBatch()
	batch.Delete(UnreadPath(userId, conversationId))
	for _, doc := range querySnapshot.Docs {
		batch.Update(doc.Path, Doc{
			"isRead": true,
		})
	}
	if err := batch.Commit(ctx); err != nil {
		glog.Infof("[un]mark read %s failed = %s\n", conversationId, err)
		return err
	}
	glog.V(1).Infof("[un]mark read %s (%d messages)\n", conversationId, len(querySnapshot.Docs))
	return nil
}

func (self *UnreadMonitor) HasUnread(ctx context.Context, userId UserId, conversationId Id) (bool, error) {
	snapshot, err := self.store.Get(ctx, UnreadPath(userId, conversationId))
	if err != nil {
		return false, err
	}
	return snapshot.Exists && 0 < snapshot.GetInt("unreadCount"), nil
}

// live subscription on the user's unread-record collection. every change
// recomputes the full conversation list plus the summed total. callers
// must invoke the returned cancel when the owning context is torn down.
func (self *UnreadMonitor) SubscribeUnread(userId UserId, callback UnreadStateFunction) func() {
	return self.store.OnQuerySnapshot(
		CollectionQuery(UnreadCollection(userId)),
		func(querySnapshot *QuerySnapshot) {
			state := unreadStateFromSnapshot(querySnapshot)
			glog.V(2).Infof("[un]%s total=%d\n", userId, state.Total)
			callback(state)
		},
	)
}

func unreadStateFromSnapshot(querySnapshot *QuerySnapshot) *UnreadState {
	state := &UnreadState{
		Conversations: []UnreadConversation{},
	}
	for _, doc := range querySnapshot.Docs {
		count := doc.GetInt("unreadCount")
		if count <= 0 {
			continue
		}
		conversationId, err := ParseId(doc.Path.DocId)
		if err != nil {
			continue
		}
		state.Conversations = append(state.Conversations, UnreadConversation{
			ConversationId: conversationId,
			UnreadCount:    count,
			LastUpdated:    doc.GetTime("lastUpdated"),
		})
		state.Total += count
	}
	slices.SortFunc(state.Conversations, func(a UnreadConversation, b UnreadConversation) int {
		if a.LastUpdated.After(b.LastUpdated) {
			return -1
		} else if b.LastUpdated.After(a.LastUpdated) {
			return 1
		}
		return 0
	})
	return state
}
