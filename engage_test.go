package engage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitFor[T any](t *testing.T, c chan T, condition func(T) bool) T {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case value := <-c:
			if condition(value) {
				return value
			}
		case <-timeout:
			t.Fatal("timeout waiting for condition")
			var zero T
			return zero
		}
	}
}

func expectNone[T any](t *testing.T, c chan T, window time.Duration) {
	select {
	case value := <-c:
		t.Fatalf("unexpected delivery: %v", value)
	case <-time.After(window):
	}
}

func TestIdJsonRoundTrip(t *testing.T) {
	id := NewId()

	encoded, err := json.Marshal(id)
	assert.Equal(t, nil, err)

	var decoded Id
	err = json.Unmarshal(encoded, &decoded)
	assert.Equal(t, nil, err)
	assert.Equal(t, id, decoded)
}

func TestParseIdString(t *testing.T) {
	id := NewId()

	parsed, err := ParseId(id.String())
	assert.Equal(t, nil, err)
	assert.Equal(t, id, parsed)

	_, err = ParseId("not an id")
	assert.NotEqual(t, nil, err)
}

func TestSparseDocOmitsAbsentFields(t *testing.T) {
	thumbnail := "thumb://1"
	ref := &ContentRef{
		ContentId:    NewId(),
		OwnerId:      NewId(),
		Kind:         ContentKindReel,
		ThumbnailRef: &thumbnail,
	}

	doc, err := SparseDoc(ref)
	assert.Equal(t, nil, err)

	_, hasThumbnail := doc["thumbnailRef"]
	assert.Equal(t, true, hasThumbnail)
	_, hasDuration := doc["durationMs"]
	assert.Equal(t, false, hasDuration)
	_, hasMusic := doc["musicTitle"]
	assert.Equal(t, false, hasMusic)

	// a sparse doc never carries nil placeholders
	assert.Equal(t, nil, validateDoc(Path{Collection: "messages", DocId: "m"}, doc))
}

func TestValidateDocRejectsNilPlaceholders(t *testing.T) {
	path := Path{Collection: "messages", DocId: "m"}

	err := validateDoc(path, Doc{
		"text":      "hello",
		"thumbnail": nil,
	})
	malformed, ok := err.(*MalformedWriteError)
	assert.Equal(t, true, ok)
	assert.Equal(t, "thumbnail", malformed.Field)

	err = validateDoc(path, Doc{
		"content": Doc{
			"durationMs": nil,
		},
	})
	assert.NotEqual(t, nil, err)
}
