package engage

import (
	"context"
	"errors"
)

var ErrNotSignedIn = errors.New("no current user")

// composition root for the sync engine. explicitly constructed and passed
// into whatever owns the ui lifecycle - there is no process-wide instance.
// all services share one store capability and one metrics registry.
type Engine struct {
	ctx context.Context

	store    DocumentStore
	identity Identity
	metrics  *Metrics

	Toggles   *ToggleEngine
	Unreads   *UnreadMonitor
	Shares    *ShareEngine
	Directory *DirectoryCache
}

func NewEngineWithDefaults(ctx context.Context, store DocumentStore, identity Identity) *Engine {
	return NewEngine(ctx, store, identity, NewMetrics(), DefaultToggleSettings(), DefaultDirectorySettings())
}

func NewEngine(
	ctx context.Context,
	store DocumentStore,
	identity Identity,
	metrics *Metrics,
	toggleSettings *ToggleSettings,
	directorySettings *DirectorySettings,
) *Engine {
	return &Engine{
		ctx:       ctx,
		store:     store,
		identity:  identity,
		metrics:   metrics,
		Toggles:   NewToggleEngine(ctx, store, metrics, toggleSettings),
		Unreads:   NewUnreadMonitor(ctx, store),
		Shares:    NewShareEngine(ctx, store, metrics),
		Directory: NewDirectoryCache(ctx, store, metrics, directorySettings),
	}
}

func (self *Engine) Metrics() *Metrics {
	return self.metrics
}

// convenience surface bound to the current identity

func (self *Engine) ToggleLike(ctx context.Context, contentId Id) (ToggleState, error) {
	userId, ok := self.identity.CurrentUserId()
	if !ok {
		return ToggleState{}, ErrNotSignedIn
	}
	return self.Toggles.Toggle(ctx, contentId, userId, ToggleKindLike)
}

func (self *Engine) ToggleFollow(ctx context.Context, followeeId UserId) (ToggleState, error) {
	userId, ok := self.identity.CurrentUserId()
	if !ok {
		return ToggleState{}, ErrNotSignedIn
	}
	return self.Toggles.Toggle(ctx, followeeId, userId, ToggleKindFollow)
}

func (self *Engine) WatchContent(kind ToggleKind, contentId Id) (func(), error) {
	userId, ok := self.identity.CurrentUserId()
	if !ok {
		return nil, ErrNotSignedIn
	}
	return self.Toggles.Watch(kind, contentId, userId), nil
}

func (self *Engine) ShareContent(ctx context.Context, recipientIds []UserId, content *ContentRef, opts *ShareOptions) (*ShareResult, error) {
	userId, ok := self.identity.CurrentUserId()
	if !ok {
		return nil, ErrNotSignedIn
	}
	return self.Shares.ShareContent(ctx, userId, recipientIds, content, opts)
}

func (self *Engine) MarkRead(ctx context.Context, conversationId Id) error {
	userId, ok := self.identity.CurrentUserId()
	if !ok {
		return ErrNotSignedIn
	}
	return self.Unreads.MarkRead(ctx, userId, conversationId)
}

func (self *Engine) SubscribeUnread(callback UnreadStateFunction) (func(), error) {
	userId, ok := self.identity.CurrentUserId()
	if !ok {
		return nil, ErrNotSignedIn
	}
	return self.Unreads.SubscribeUnread(userId, callback), nil
}

func (self *Engine) GetShareTargets(ctx context.Context) ([]*ShareTarget, error) {
	userId, ok := self.identity.CurrentUserId()
	if !ok {
		return nil, ErrNotSignedIn
	}
	return self.Directory.GetShareTargets(ctx, userId)
}

func (self *Engine) GetRecentChatTargets(ctx context.Context) ([]*ShareTarget, error) {
	userId, ok := self.identity.CurrentUserId()
	if !ok {
		return nil, ErrNotSignedIn
	}
	return self.Directory.GetRecentChatTargets(ctx, userId)
}
