package engage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

// short-ttl cache of a user's shareable contacts. entries are evicted by
// a scheduled timer rather than a check-on-read ttl, so stale entries are
// proactively removed instead of merely ignored. the cache is only
// read/written from its own methods; the eviction timers are the only
// asynchronous mutators.

type DirectorySettings struct {
	FriendTtl   time.Duration
	RecentTtl   time.Duration
	RecentLimit int
}

func DefaultDirectorySettings() *DirectorySettings {
	return &DirectorySettings{
		FriendTtl:   GetEnvDuration("ENGAGE_DIRECTORY_FRIEND_TTL", 5*time.Minute),
		RecentTtl:   GetEnvDuration("ENGAGE_DIRECTORY_RECENT_TTL", 2*time.Minute),
		RecentLimit: GetEnvInt("ENGAGE_DIRECTORY_RECENT_LIMIT", 20),
	}
}

// comparable
type directoryKey struct {
	kind   string
	userId UserId
}

type directoryEntry struct {
	targets    []*ShareTarget
	evictTimer *time.Timer
}

type DirectoryCache struct {
	ctx context.Context

	store    DocumentStore
	metrics  *Metrics
	settings *DirectorySettings

	stateLock sync.Mutex
	entries   map[directoryKey]*directoryEntry
}

func NewDirectoryCacheWithDefaults(ctx context.Context, store DocumentStore) *DirectoryCache {
	return NewDirectoryCache(ctx, store, NewMetrics(), DefaultDirectorySettings())
}

func NewDirectoryCache(ctx context.Context, store DocumentStore, metrics *Metrics, settings *DirectorySettings) *DirectoryCache {
	return &DirectoryCache{
		ctx:      ctx,
		store:    store,
		metrics:  metrics,
		settings: settings,
		entries:  map[directoryKey]*directoryEntry{},
	}
}

// the user's friends (accounts they follow), as share targets
func (self *DirectoryCache) GetShareTargets(ctx context.Context, userId UserId) ([]*ShareTarget, error) {
	key := directoryKey{kind: "friends", userId: userId}
	if targets, ok := self.cached(key); ok {
		return targets, nil
	}

	userSnapshot, err := self.store.Get(ctx, UserPath(userId))
	if err != nil {
		return nil, err
	}
	memberIds := []UserId{}
	for _, idStr := range userSnapshot.GetStringList("followingIds") {
		if memberId, err := ParseId(idStr); err == nil {
			memberIds = append(memberIds, memberId)
		}
	}

	targets := self.fetchTargets(ctx, memberIds)
	self.put(key, targets, self.settings.FriendTtl)
	return targets, nil
}

// counterparties of the user's most recent conversations
func (self *DirectoryCache) GetRecentChatTargets(ctx context.Context, userId UserId) ([]*ShareTarget, error) {
	key := directoryKey{kind: "recents", userId: userId}
	if targets, ok := self.cached(key); ok {
		return targets, nil
	}

	querySnapshot, err := self.store.Query(ctx, CollectionQuery(
		CollectionConversations,
		ArrayContains("participantIds", userId.String()),
	))
	if err != nil {
		return nil, err
	}

	conversations := []*Conversation{}
	for _, doc := range querySnapshot.Docs {
		if conversation := conversationFromSnapshot(doc); conversation != nil {
			conversations = append(conversations, conversation)
		}
	}
	slices.SortFunc(conversations, func(a *Conversation, b *Conversation) int {
		if a.LastMessageAt.After(b.LastMessageAt) {
			return -1
		} else if b.LastMessageAt.After(a.LastMessageAt) {
			return 1
		}
		return 0
	})
	if self.settings.RecentLimit < len(conversations) {
		conversations = conversations[:self.settings.RecentLimit]
	}

	memberIds := []UserId{}
	for _, conversation := range conversations {
		for _, participantId := range conversation.ParticipantIds {
			if participantId != userId && !slices.Contains(memberIds, participantId) {
				memberIds = append(memberIds, participantId)
			}
		}
	}

	targets := self.fetchTargets(ctx, memberIds)
	self.put(key, targets, self.settings.RecentTtl)
	return targets, nil
}

func (self *DirectoryCache) Invalidate(userId UserId) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, kind := range []string{"friends", "recents"} {
		key := directoryKey{kind: kind, userId: userId}
		if entry, ok := self.entries[key]; ok {
			entry.evictTimer.Stop()
			delete(self.entries, key)
		}
	}
}

func (self *DirectoryCache) cached(key directoryKey) ([]*ShareTarget, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry, ok := self.entries[key]; ok {
		self.metrics.DirectoryHits.Inc()
		return slices.Clone(entry.targets), true
	}
	self.metrics.DirectoryMisses.Inc()
	return nil, false
}

func (self *DirectoryCache) put(key directoryKey, targets []*ShareTarget, ttl time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry, ok := self.entries[key]; ok {
		entry.evictTimer.Stop()
	}
	entry := &directoryEntry{
		targets: targets,
	}
	entry.evictTimer = time.AfterFunc(ttl, func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if current, ok := self.entries[key]; ok && current == entry {
			delete(self.entries, key)
			glog.V(1).Infof("[dir]evict %s %s\n", key.kind, key.userId)
		}
	})
	self.entries[key] = entry
	glog.V(1).Infof("[dir]load %s %s (%d targets)\n", key.kind, key.userId, len(targets))
}

// parallel per-member profile fetches. partial failures are logged and
// excluded from the result rather than failing the whole directory load.
func (self *DirectoryCache) fetchTargets(ctx context.Context, memberIds []UserId) []*ShareTarget {
	fetched := make([]*ShareTarget, len(memberIds))

	wg := sync.WaitGroup{}
	for i, memberId := range memberIds {
		wg.Add(1)
		go HandleError(func() {
			defer wg.Done()

			snapshot, err := self.store.Get(ctx, UserPath(memberId))
			if err != nil {
				glog.Infof("[dir]profile %s failed = %s\n", memberId, err)
				return
			}
			if !snapshot.Exists {
				return
			}
			fetched[i] = &ShareTarget{
				Id:          memberId,
				DisplayName: snapshot.GetString("displayName"),
				AvatarRef:   snapshot.GetString("avatarRef"),
				IsOnline:    snapshot.GetBool("isOnline"),
			}
		})
	}
	wg.Wait()

	targets := []*ShareTarget{}
	for _, target := range fetched {
		if target != nil {
			targets = append(targets, target)
		}
	}
	return targets
}
