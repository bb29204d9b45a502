package engage

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// engine for keeping social interaction state (reactions, follows, unread
// counters, shares) in sync between the local client and the document store.
// the store is the single source of truth. local state is an optimistic
// guess that is always replaced by the next authoritative snapshot.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	if id, err := ulid.ParseStrict(idStr); err == nil {
		return Id(id), nil
	}
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) < 2 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("invalid id: %s", string(src))
	}
	id, err := ParseId(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = id
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		return dst, fmt.Errorf("cannot parse id %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

type UserId = Id

type ContentKind string

const (
	ContentKindPost    ContentKind = "post"
	ContentKindReel    ContentKind = "reel"
	ContentKindStory   ContentKind = "story"
	ContentKindComment ContentKind = "comment"
)

// a post, reel, story, or comment as stored.
// `ReactionCount` is denormalized and must equal `len(ReactorIds)` at every
// settled state. both are only ever mutated inside the same transaction.
type ContentItem struct {
	Id            Id          `json:"id"`
	OwnerId       UserId      `json:"ownerId"`
	Kind          ContentKind `json:"kind,omitempty"`
	ReactorIds    []UserId    `json:"reactorIds,omitempty"`
	ReactionCount int         `json:"reactionCount"`
	LastReactedAt time.Time   `json:"lastReactedAt,omitempty"`
}

type Conversation struct {
	Id              Id        `json:"id"`
	ParticipantIds  []UserId  `json:"participantIds"`
	LastMessage     string    `json:"lastMessage,omitempty"`
	LastMessageType string    `json:"lastMessageType,omitempty"`
	LastMessageAt   time.Time `json:"lastMessageAt,omitempty"`
}

// exists only while the owner has unread messages in the conversation.
// deletion, not zeroing, is the canonical empty state.
type UnreadRecord struct {
	ConversationId Id        `json:"conversationId"`
	UnreadCount    int       `json:"unreadCount"`
	LastUpdated    time.Time `json:"lastUpdated,omitempty"`
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeShare MessageType = "share"
)

// immutable after creation except for the `IsRead` transition
type Message struct {
	Id             Id          `json:"id"`
	SenderId       UserId      `json:"senderId"`
	RecipientId    UserId      `json:"recipientId"`
	ConversationId Id          `json:"conversationId"`
	Type           MessageType `json:"type"`
	Text           string      `json:"text,omitempty"`
	Content        *ContentRef `json:"content,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	IsRead         bool        `json:"isRead"`
}

// reference to a shared content item embedded in a share message.
// optional fields are pointers so that absent values can be omitted from
// the written payload entirely. the store rejects nil placeholders.
type ContentRef struct {
	ContentId    Id          `json:"contentId"`
	OwnerId      UserId      `json:"ownerId"`
	Kind         ContentKind `json:"kind"`
	ThumbnailRef *string     `json:"thumbnailRef,omitempty"`
	DurationMs   *int64      `json:"durationMs,omitempty"`
	MusicTitle   *string     `json:"musicTitle,omitempty"`
	Caption      *string     `json:"caption,omitempty"`
}

// read-only projection of a user for directory display. cached with a
// short ttl, never persisted as a source of truth.
type ShareTarget struct {
	Id          UserId `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
	IsOnline    bool   `json:"isOnline"`
}

type ToggleKind string

const (
	ToggleKindLike   ToggleKind = "like"
	ToggleKindFollow ToggleKind = "follow"
)

type ToggleState struct {
	IsActive bool
	Count    int
}

// errors surfaced at the engine boundary. store and transport errors are
// translated into these and never propagate raw to the caller.

type ToggleFailedError struct {
	ContentId Id
	Kind      ToggleKind
	Cause     error
}

func (self *ToggleFailedError) Error() string {
	return fmt.Sprintf("toggle %s %s failed: %s", self.Kind, self.ContentId, self.Cause)
}

func (self *ToggleFailedError) Unwrap() error {
	return self.Cause
}

type ShareFailedError struct {
	Cause error
}

func (self *ShareFailedError) Error() string {
	return fmt.Sprintf("share failed: %s", self.Cause)
}

func (self *ShareFailedError) Unwrap() error {
	return self.Cause
}

// collection names. per-user subcollections are flattened into
// "users/{userId}/unreads" style collection keys.

const (
	CollectionContents      = "contents"
	CollectionUsers         = "users"
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
)

func ContentPath(contentId Id) Path {
	return Path{Collection: CollectionContents, DocId: contentId.String()}
}

func UserPath(userId UserId) Path {
	return Path{Collection: CollectionUsers, DocId: userId.String()}
}

func ConversationPath(conversationId Id) Path {
	return Path{Collection: CollectionConversations, DocId: conversationId.String()}
}

func MessagePath(messageId Id) Path {
	return Path{Collection: CollectionMessages, DocId: messageId.String()}
}

func UnreadCollection(userId UserId) string {
	return fmt.Sprintf("%s/%s/unreads", CollectionUsers, userId)
}

func UnreadPath(userId UserId, conversationId Id) Path {
	return Path{Collection: UnreadCollection(userId), DocId: conversationId.String()}
}
