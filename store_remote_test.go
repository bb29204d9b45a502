package engage

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRemoteStoreSettingsDefaults(t *testing.T) {
	settings := DefaultRemoteDocumentStoreSettings()
	assert.Equal(t, 5, settings.TransactionRetryCount)
	assert.NotEqual(t, 0, settings.ReconnectTimeout)
	assert.NotEqual(t, 0, settings.RequestTimeout)
}

// requests before the first connection is up fail fast with a transport
// error instead of blocking
func TestRemoteStoreNotConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewRemoteDocumentStoreWithDefaults(ctx, "ws://127.0.0.1:9/store", "")
	defer store.Close()

	_, err := store.Get(ctx, ContentPath(NewId()))
	var transportErr *TransportError
	assert.Equal(t, true, errors.As(err, &transportErr))
}

func TestEncodeDecodeFrame(t *testing.T) {
	frame := storeFrame{
		"op":   "get",
		"path": "contents/abc",
	}
	encoded, err := encodeFrame(frame)
	assert.Equal(t, nil, err)

	decoded, err := decodeFrame(encoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, "get", decoded["op"])
	assert.Equal(t, "contents/abc", decoded["path"])
}

func TestEncodeDocTransforms(t *testing.T) {
	encoded := encodeDoc(Doc{
		"unreadCount":   Increment(1),
		"reactorIds":    ArrayUnion("a"),
		"lastReactedAt": ServerTimestamp(),
	})

	increment, ok := encoded["unreadCount"].(map[string]any)
	assert.Equal(t, true, ok)
	assert.Equal(t, float64(1), increment["$increment"])

	union, ok := encoded["reactorIds"].(map[string]any)
	assert.Equal(t, true, ok)
	assert.Equal(t, []any{"a"}, union["$arrayUnion"])

	timestamp, ok := encoded["lastReactedAt"].(map[string]any)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, timestamp["$serverTimestamp"])
}
