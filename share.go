package engage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// fans one content reference out to n recipients as chat messages.
//
// primary path: one multi-write batch carrying, per recipient, the new
// message, a conversation upsert, and an unread increment. the batch
// commits atomically: either all recipients receive the share or none do.
//
// fallback path: when the batch is rejected by the store (most commonly a
// malformed payload field for a single recipient), the engine switches to
// sequential per-recipient commits and accounts succeeded/failed
// explicitly instead of raising a terminal error. availability over
// atomicity: one bad recipient payload must not block the others.
//
// a mixed result is the normal return shape of the fallback path, not an
// error. callers branch on the two lists.

type ShareResult struct {
	Succeeded []UserId
	Failed    []UserId
}

type ShareOptions struct {
	// optional custom message shown with the shared content
	Message string
	// when set, message ids are derived deterministically from this key,
	// so a client-level retry after an ambiguous (timeout) failure
	// rewrites the same documents instead of duplicating them. when
	// absent, every call mints fresh ids.
	IdempotencyKey string
}

var shareMessageNamespace = uuid.MustParse("5b1d2f66-84a0-4a9f-bb0e-7d93a21c6f58")

type ShareEngine struct {
	ctx context.Context

	store   DocumentStore
	metrics *Metrics
}

func NewShareEngine(ctx context.Context, store DocumentStore, metrics *Metrics) *ShareEngine {
	return &ShareEngine{
		ctx:     ctx,
		store:   store,
		metrics: metrics,
	}
}

// per-recipient resolved writes for one share
type shareDelivery struct {
	recipientId    UserId
	conversationId Id
}

func (self *ShareEngine) ShareContent(
	ctx context.Context,
	senderId UserId,
	recipientIds []UserId,
	content *ContentRef,
	opts *ShareOptions,
) (*ShareResult, error) {
	if opts == nil {
		opts = &ShareOptions{}
	}
	result := &ShareResult{
		Succeeded: []UserId{},
		Failed:    []UserId{},
	}
	if len(recipientIds) == 0 {
		return result, nil
	}

	deliveries := []*shareDelivery{}
	for _, recipientId := range recipientIds {
		conversationId, err := GetOrCreateConversation(ctx, self.store, senderId, recipientId)
		if err != nil {
			var transportErr *TransportError
			if errors.As(err, &transportErr) {
				return emptyShareResult(), &ShareFailedError{Cause: err}
			}
			glog.Infof("[sh]conversation for %s failed = %s\n", recipientId, err)
			result.Failed = append(result.Failed, recipientId)
			continue
		}
		deliveries = append(deliveries, &shareDelivery{
			recipientId:    recipientId,
			conversationId: conversationId,
		})
	}
	if len(deliveries) == 0 {
		self.accountResult(result)
		return result, nil
	}

	// primary path: all recipients in one atomic batch
	now := time.Now()
	batch := self.store.NewBatch()
	for _, delivery := range deliveries {
		if err := self.appendDeliveryWrites(batch, senderId, delivery, content, opts, now); err != nil {
			return emptyShareResult(), &ShareFailedError{Cause: err}
		}
	}
	err := batch.Commit(ctx)
	if err == nil {
		for _, delivery := range deliveries {
			result.Succeeded = append(result.Succeeded, delivery.recipientId)
		}
		self.metrics.SharesBatched.Inc()
		self.accountResult(result)
		glog.V(1).Infof("[sh]batch %s -> %d recipients\n", content.ContentId, len(deliveries))
		return result, nil
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		// the store was unreachable before any fallback attempt could
		// help. nothing was delivered; a terminal failure carries both
		// lists empty even when some recipients pre-failed resolution.
		return emptyShareResult(), &ShareFailedError{Cause: err}
	}

	glog.Infof("[sh]batch rejected, sequential fallback = %s\n", err)
	self.metrics.SharesFallback.Inc()
	self.attemptSequential(ctx, senderId, deliveries, content, opts, result)
	self.accountResult(result)
	return result, nil
}

// sequential per-recipient commits. each recipient still gets its message,
// conversation upsert, and unread increment in one atomic batch, so the
// message/counter invariant holds even on this path.
func (self *ShareEngine) attemptSequential(
	ctx context.Context,
	senderId UserId,
	deliveries []*shareDelivery,
	content *ContentRef,
	opts *ShareOptions,
	result *ShareResult,
) {
	now := time.Now()
	for _, delivery := range deliveries {
		batch := self.store.NewBatch()
		if err := self.appendDeliveryWrites(batch, senderId, delivery, content, opts, now); err != nil {
			glog.Infof("[sh]sequential %s failed = %s\n", delivery.recipientId, err)
			result.Failed = append(result.Failed, delivery.recipientId)
			continue
		}
		if err := batch.Commit(ctx); err != nil {
			glog.Infof("[sh]sequential %s failed = %s\n", delivery.recipientId, err)
			result.Failed = append(result.Failed, delivery.recipientId)
			continue
		}
		result.Succeeded = append(result.Succeeded, delivery.recipientId)
	}
}

func (self *ShareEngine) appendDeliveryWrites(
	batch WriteBatch,
	senderId UserId,
	delivery *shareDelivery,
	content *ContentRef,
	opts *ShareOptions,
	now time.Time,
) error {
	messageId := self.messageId(delivery.recipientId, opts)
	message := &Message{
		Id:             messageId,
		SenderId:       senderId,
		RecipientId:    delivery.recipientId,
		ConversationId: delivery.conversationId,
		Type:           MessageTypeShare,
		Text:           opts.Message,
		Content:        content,
		CreatedAt:      now,
	}
	// sparse serialization: absent optional fields are omitted from the
	// written payload, never written as nil placeholders
	messageDoc, err := SparseDoc(message)
	if err != nil {
		return err
	}
	batch.Set(MessagePath(messageId), messageDoc)

	preview := opts.Message
	if preview == "" {
		preview = fmt.Sprintf("Shared a %s", content.Kind)
	}
	pair := participantPair(senderId, delivery.recipientId)
	batch.SetMerge(ConversationPath(delivery.conversationId), Doc{
		"id":              delivery.conversationId.String(),
		"participantIds":  pair,
		"participantKey":  pairKey(pair),
		"lastMessage":     preview,
		"lastMessageType": string(MessageTypeShare),
		"lastMessageAt":   FormatTime(now),
	})

	batch.SetMerge(UnreadPath(delivery.recipientId, delivery.conversationId), Doc{
		"conversationId": delivery.conversationId.String(),
		"unreadCount":    Increment(1),
		"lastUpdated":    FormatTime(now),
	})
	return nil
}

func (self *ShareEngine) messageId(recipientId UserId, opts *ShareOptions) Id {
	if opts.IdempotencyKey != "" {
		seed := opts.IdempotencyKey + ":" + recipientId.String()
		return Id(uuid.NewSHA1(shareMessageNamespace, []byte(seed)))
	}
	return NewId()
}

func emptyShareResult() *ShareResult {
	return &ShareResult{
		Succeeded: []UserId{},
		Failed:    []UserId{},
	}
}

func (self *ShareEngine) accountResult(result *ShareResult) {
	self.metrics.ShareRecipientsOk.Add(float64(len(result.Succeeded)))
	self.metrics.ShareRecipientsFailed.Add(float64(len(result.Failed)))
}
