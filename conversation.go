package engage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// one conversation per unordered user pair. the conversation id is a pure
// function of the two participant ids, so any two clients computing it
// independently obtain the same id. that, plus merge-on-create writes, is
// what prevents duplicate conversations under concurrent first contact
// from both sides.

var conversationNamespace = uuid.MustParse("9c7c45ae-4f3e-43b2-9a5c-2f8f0a6d1d4b")

func ConversationId(a UserId, b UserId) Id {
	first, second := a.String(), b.String()
	if second < first {
		first, second = second, first
	}
	return Id(uuid.NewSHA1(conversationNamespace, []byte(first+":"+second)))
}

func participantPair(a UserId, b UserId) []any {
	first, second := a.String(), b.String()
	if second < first {
		first, second = second, first
	}
	return []any{first, second}
}

// resolves the conversation for the pair, creating it lazily on first
// contact. an existing conversation is always looked up before creating:
// first by the deterministic id, then by participant pair for data written
// before the deterministic scheme.
func GetOrCreateConversation(ctx context.Context, store DocumentStore, a UserId, b UserId) (Id, error) {
	conversationId := ConversationId(a, b)
	path := ConversationPath(conversationId)

	snapshot, err := store.Get(ctx, path)
	if err != nil {
		return Id{}, err
	}
	if snapshot.Exists {
		return conversationId, nil
	}

	pair := participantPair(a, b)
	querySnapshot, err := store.Query(ctx, CollectionQuery(
		CollectionConversations,
		Eq("participantKey", pairKey(pair)),
	))
	if err != nil {
		return Id{}, err
	}
	if 0 < len(querySnapshot.Docs) {
		return ParseId(querySnapshot.Docs[0].Path.DocId)
	}

	// merge semantics make concurrent creation from both sides converge
	// on one document
	err = store.SetMerge(ctx, path, Doc{
		"id":             conversationId.String(),
		"participantIds": pair,
		"participantKey": pairKey(pair),
		"createdAt":      FormatTime(time.Now()),
	})
	if err != nil {
		return Id{}, err
	}
	return conversationId, nil
}

func pairKey(pair []any) string {
	parts := make([]string, 0, len(pair))
	for _, member := range pair {
		parts = append(parts, member.(string))
	}
	return strings.Join(parts, "|")
}

func conversationFromSnapshot(snapshot *DocumentSnapshot) *Conversation {
	if snapshot == nil || !snapshot.Exists {
		return nil
	}
	conversationId, err := ParseId(snapshot.Path.DocId)
	if err != nil {
		return nil
	}
	participantIds := []UserId{}
	for _, idStr := range snapshot.GetStringList("participantIds") {
		if userId, err := ParseId(idStr); err == nil {
			participantIds = append(participantIds, userId)
		}
	}
	return &Conversation{
		Id:              conversationId,
		ParticipantIds:  participantIds,
		LastMessage:     snapshot.GetString("lastMessage"),
		LastMessageType: snapshot.GetString("lastMessageType"),
		LastMessageAt:   snapshot.GetTime("lastMessageAt"),
	}
}
