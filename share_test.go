package engage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

// sharing a reel to three users writes three messages, three conversation
// upserts, and three unread increments in one atomic batch
func TestShareFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryDocumentStoreWithDefaults(ctx)
	defer store.Close()

	senderId := NewId()
	recipientIds := []UserId{NewId(), NewId(), NewId()}
	contentId := NewId()

	engine := NewShareEngine(ctx, store, NewMetrics())
	result, err := engine.ShareContent(ctx, senderId, recipientIds, &ContentRef{
		ContentId: contentId,
		OwnerId:   senderId,
		Kind:      ContentKindReel,
	}, &ShareOptions{
		Message: "check this out",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(result.Succeeded))
	assert.Equal(t, 0, len(result.Failed))

	for _, recipientId := range recipientIds {
		conversationId := ConversationId(senderId, recipientId)

		conversationSnapshot, err := store.Get(ctx, ConversationPath(conversationId))
		assert.Equal(t, nil, err)
		assert.Equal(t, true, conversationSnapshot.Exists)
		assert.Equal(t, "check this out", conversationSnapshot.GetString("lastMessage"))

		unreadSnapshot, err := store.Get(ctx, UnreadPath(recipientId, conversationId))
		assert.Equal(t, nil, err)
		assert.Equal(t, 1, unreadSnapshot.GetInt("unreadCount"))

		querySnapshot, err := store.Query(ctx, CollectionQuery(
			CollectionMessages,
			Eq("conversationId", conversationId.String()),
			Eq("recipientId", recipientId.String()),
		))
		assert.Equal(t, nil, err)
		assert.Equal(t, 1, len(querySnapshot.Docs))
		message := querySnapshot.Docs[0]
		assert.Equal(t, "check this out", message.GetString("text"))
		assert.Equal(t, string(MessageTypeShare), message.GetString("type"))
		assert.Equal(t, false, message.GetBool("isRead"))
	}
}

// one recipient with a rejected payload fails the atomic batch entirely,
// then the sequential fallback delivers to everyone else
func TestShareFallbackPartialFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	senderId := NewId()
	recipientIds := []UserId{NewId(), NewId(), NewId(), NewId(), NewId()}
	badRecipientId := recipientIds[2]

	settings := DefaultMemoryDocumentStoreSettings()
	settings.WriteValidators = append(settings.WriteValidators, func(path Path, doc Doc) error {
		if recipientId, ok := doc["recipientId"].(string); ok && recipientId == badRecipientId.String() {
			return &MalformedWriteError{Path: path, Field: "recipientId"}
		}
		return nil
	})
	store := NewMemoryDocumentStore(ctx, settings)
	defer store.Close()

	engine := NewShareEngine(ctx, store, NewMetrics())
	result, err := engine.ShareContent(ctx, senderId, recipientIds, &ContentRef{
		ContentId: NewId(),
		OwnerId:   senderId,
		Kind:      ContentKindPost,
	}, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, 4, len(result.Succeeded))
	assert.Equal(t, []UserId{badRecipientId}, result.Failed)

	// the failed recipient got nothing, not even an unread increment
	unreadSnapshot, err := store.Get(ctx, UnreadPath(badRecipientId, ConversationId(senderId, badRecipientId)))
	assert.Equal(t, nil, err)
	assert.Equal(t, false, unreadSnapshot.Exists)

	for _, recipientId := range recipientIds {
		if recipientId == badRecipientId {
			continue
		}
		assert.Equal(t, true, slices.Contains(result.Succeeded, recipientId))
		unreadSnapshot, err := store.Get(ctx, UnreadPath(recipientId, ConversationId(senderId, recipientId)))
		assert.Equal(t, nil, err)
		assert.Equal(t, 1, unreadSnapshot.GetInt("unreadCount"))
	}
}

// a share to an existing conversation reuses it: first contact from both
// sides converges on the deterministic pair id
func TestShareReusesConversation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryDocumentStoreWithDefaults(ctx)
	defer store.Close()

	aId := NewId()
	bId := NewId()

	engine := NewShareEngine(ctx, store, NewMetrics())
	content := &ContentRef{
		ContentId: NewId(),
		OwnerId:   aId,
		Kind:      ContentKindStory,
	}

	_, err := engine.ShareContent(ctx, aId, []UserId{bId}, content, nil)
	assert.Equal(t, nil, err)
	_, err = engine.ShareContent(ctx, bId, []UserId{aId}, content, nil)
	assert.Equal(t, nil, err)

	querySnapshot, err := store.Query(ctx, CollectionQuery(CollectionConversations))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(querySnapshot.Docs))
	assert.Equal(t, ConversationId(aId, bId).String(), querySnapshot.Docs[0].Path.DocId)
}

// an idempotency key makes a client-level retry rewrite the same message
// documents instead of duplicating them
func TestShareIdempotencyKey(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryDocumentStoreWithDefaults(ctx)
	defer store.Close()

	senderId := NewId()
	recipientId := NewId()

	engine := NewShareEngine(ctx, store, NewMetrics())
	content := &ContentRef{
		ContentId: NewId(),
		OwnerId:   senderId,
		Kind:      ContentKindReel,
	}
	opts := &ShareOptions{
		IdempotencyKey: "retry-7f3a",
	}

	_, err := engine.ShareContent(ctx, senderId, []UserId{recipientId}, content, opts)
	assert.Equal(t, nil, err)
	_, err = engine.ShareContent(ctx, senderId, []UserId{recipientId}, content, opts)
	assert.Equal(t, nil, err)

	querySnapshot, err := store.Query(ctx, CollectionQuery(
		CollectionMessages,
		Eq("recipientId", recipientId.String()),
	))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(querySnapshot.Docs))
}

// without a key, every call mints fresh message ids
func TestShareFreshIds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryDocumentStoreWithDefaults(ctx)
	defer store.Close()

	senderId := NewId()
	recipientId := NewId()

	engine := NewShareEngine(ctx, store, NewMetrics())
	content := &ContentRef{
		ContentId: NewId(),
		OwnerId:   senderId,
		Kind:      ContentKindPost,
	}

	_, err := engine.ShareContent(ctx, senderId, []UserId{recipientId}, content, nil)
	assert.Equal(t, nil, err)
	_, err = engine.ShareContent(ctx, senderId, []UserId{recipientId}, content, nil)
	assert.Equal(t, nil, err)

	querySnapshot, err := store.Query(ctx, CollectionQuery(
		CollectionMessages,
		Eq("recipientId", recipientId.String()),
	))
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(querySnapshot.Docs))
}

type unreachableStore struct {
	*MemoryDocumentStore
}

type unreachableBatch struct{}

func (self *unreachableBatch) Set(path Path, doc Doc)      {}
func (self *unreachableBatch) SetMerge(path Path, doc Doc) {}
func (self *unreachableBatch) Update(path Path, doc Doc)   {}
func (self *unreachableBatch) Delete(path Path)            {}

func (self *unreachableBatch) Commit(ctx context.Context) error {
	return &TransportError{Cause: errors.New("network unreachable")}
}

func (self *unreachableStore) NewBatch() WriteBatch {
	return &unreachableBatch{}
}

// a transport failure is terminal: no fallback attempt, both lists empty
func TestShareTransportFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memory := NewMemoryDocumentStoreWithDefaults(ctx)
	defer memory.Close()
	store := &unreachableStore{MemoryDocumentStore: memory}

	senderId := NewId()

	engine := NewShareEngine(ctx, store, NewMetrics())
	result, err := engine.ShareContent(ctx, senderId, []UserId{NewId(), NewId()}, &ContentRef{
		ContentId: NewId(),
		OwnerId:   senderId,
		Kind:      ContentKindPost,
	}, nil)

	var shareErr *ShareFailedError
	assert.Equal(t, true, errors.As(err, &shareErr))
	assert.Equal(t, 0, len(result.Succeeded))
	assert.Equal(t, 0, len(result.Failed))
}

// recipients that pre-failed conversation resolution do not leak into the
// result of a terminal transport failure - both lists come back empty
func TestShareTransportFailureAfterPartialResolve(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	senderId := NewId()
	badRecipientId := NewId()
	goodRecipientId := NewId()

	settings := DefaultMemoryDocumentStoreSettings()
	settings.WriteValidators = append(settings.WriteValidators, func(path Path, doc Doc) error {
		if key, ok := doc["participantKey"].(string); ok && strings.Contains(key, badRecipientId.String()) {
			return &MalformedWriteError{Path: path, Field: "participantKey"}
		}
		return nil
	})
	memory := NewMemoryDocumentStore(ctx, settings)
	defer memory.Close()
	store := &unreachableStore{MemoryDocumentStore: memory}

	engine := NewShareEngine(ctx, store, NewMetrics())
	result, err := engine.ShareContent(ctx, senderId, []UserId{badRecipientId, goodRecipientId}, &ContentRef{
		ContentId: NewId(),
		OwnerId:   senderId,
		Kind:      ContentKindPost,
	}, nil)

	var shareErr *ShareFailedError
	assert.Equal(t, true, errors.As(err, &shareErr))
	assert.Equal(t, 0, len(result.Succeeded))
	assert.Equal(t, 0, len(result.Failed))
}
