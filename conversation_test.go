package engage

import (
	"context"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestConversationIdDeterministic(t *testing.T) {
	aId := NewId()
	bId := NewId()
	cId := NewId()

	// a pure function of the unordered pair
	assert.Equal(t, ConversationId(aId, bId), ConversationId(bId, aId))
	assert.NotEqual(t, ConversationId(aId, bId), ConversationId(aId, cId))
	assert.NotEqual(t, ConversationId(aId, bId), ConversationId(bId, cId))
}

// concurrent first contact from both sides never yields two conversations
// for the same unordered pair
func TestGetOrCreateConversationConcurrent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryDocumentStoreWithDefaults(ctx)
	defer store.Close()

	aId := NewId()
	bId := NewId()

	n := 8
	conversationIds := make([]Id, n)
	wg := sync.WaitGroup{}
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first, second := aId, bId
			if i%2 == 1 {
				first, second = bId, aId
			}
			conversationId, err := GetOrCreateConversation(ctx, store, first, second)
			assert.Equal(t, nil, err)
			conversationIds[i] = conversationId
		}(i)
	}
	wg.Wait()

	for _, conversationId := range conversationIds {
		assert.Equal(t, conversationIds[0], conversationId)
	}

	querySnapshot, err := store.Query(ctx, CollectionQuery(CollectionConversations))
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(querySnapshot.Docs))
}

func TestGetOrCreateConversationReuses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryDocumentStoreWithDefaults(ctx)
	defer store.Close()

	aId := NewId()
	bId := NewId()

	first, err := GetOrCreateConversation(ctx, store, aId, bId)
	assert.Equal(t, nil, err)
	second, err := GetOrCreateConversation(ctx, store, bId, aId)
	assert.Equal(t, nil, err)
	assert.Equal(t, first, second)
}
