package engage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

// transactional toggle for a user's membership in a reactors set (likes)
// and in a followers/following pair (follows).
//
// every toggle runs in three phases:
//   optimistic:     flip local state and fire the optimistic callbacks
//                   synchronously with the gesture, before any round-trip
//   authoritative:  one store transaction that mutates the membership set
//                   and the denormalized count together
//   reconciliation: the content snapshot subscription pushes the committed
//                   state back and unconditionally replaces the local guess

type ToggleSettings struct {
	// a second toggle for the same (content, user) inside this window is
	// ignored, so double-tap spam cannot produce offsetting racing writes
	DebounceWindow time.Duration
}

func DefaultToggleSettings() *ToggleSettings {
	return &ToggleSettings{
		DebounceWindow: GetEnvDuration("ENGAGE_TOGGLE_DEBOUNCE", 500*time.Millisecond),
	}
}

type ToggleStateFunction func(kind ToggleKind, contentId Id, state ToggleState)

type cellSource int

const (
	cellSourceNone cellSource = iota
	cellSourceOptimistic
	cellSourceAuthoritative
)

// two-writer state machine per (kind, content, user). the optimistic
// writer records its pre-flip state for rollback. the authoritative
// writer always wins.
type toggleCell struct {
	state  ToggleState
	source cellSource
	revert ToggleState
}

func (self *toggleCell) applyOptimistic(next ToggleState) {
	self.revert = self.state
	self.state = next
	self.source = cellSourceOptimistic
}

func (self *toggleCell) applyAuthoritative(next ToggleState) {
	self.state = next
	self.source = cellSourceAuthoritative
}

func (self *toggleCell) rollback() {
	if self.source == cellSourceOptimistic {
		self.state = self.revert
		self.source = cellSourceNone
	}
}

// comparable
type toggleKey struct {
	kind      ToggleKind
	contentId Id
	userId    UserId
}

type ToggleEngine struct {
	ctx context.Context

	store    DocumentStore
	metrics  *Metrics
	settings *ToggleSettings

	stateLock   sync.Mutex
	cells       map[toggleKey]*toggleCell
	lastToggles map[toggleKey]time.Time

	optimisticCallbacks    *CallbackList[ToggleStateFunction]
	authoritativeCallbacks *CallbackList[ToggleStateFunction]
}

func NewToggleEngineWithDefaults(ctx context.Context, store DocumentStore) *ToggleEngine {
	return NewToggleEngine(ctx, store, NewMetrics(), DefaultToggleSettings())
}

func NewToggleEngine(ctx context.Context, store DocumentStore, metrics *Metrics, settings *ToggleSettings) *ToggleEngine {
	return &ToggleEngine{
		ctx:                    ctx,
		store:                  store,
		metrics:                metrics,
		settings:               settings,
		cells:                  map[toggleKey]*toggleCell{},
		lastToggles:            map[toggleKey]time.Time{},
		optimisticCallbacks:    NewCallbackList[ToggleStateFunction](),
		authoritativeCallbacks: NewCallbackList[ToggleStateFunction](),
	}
}

// fired synchronously before any network round-trip. this is where the
// ui hangs animation/haptic side effects.
func (self *ToggleEngine) AddOptimisticCallback(callback ToggleStateFunction) func() {
	callbackId := self.optimisticCallbacks.Add(callback)
	return func() {
		self.optimisticCallbacks.Remove(callbackId)
	}
}

// fired on every reconciling snapshot
func (self *ToggleEngine) AddAuthoritativeCallback(callback ToggleStateFunction) func() {
	callbackId := self.authoritativeCallbacks.Add(callback)
	return func() {
		self.authoritativeCallbacks.Remove(callbackId)
	}
}

func (self *ToggleEngine) State(kind ToggleKind, contentId Id, userId UserId) ToggleState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if cell, ok := self.cells[toggleKey{kind: kind, contentId: contentId, userId: userId}]; ok {
		return cell.state
	}
	return ToggleState{}
}

func (self *ToggleEngine) IsFollowing(followerId UserId, followeeId UserId) bool {
	return self.State(ToggleKindFollow, followeeId, followerId).IsActive
}

// flips the (content, user) relationship and returns the committed state.
// the optimistic callbacks fire with the local guess before the
// round-trip; the transaction reads the authoritative count and the cell
// is reconciled from the committed values before returning, so the
// returned count is correct even for content the engine has never
// watched. a failed transaction reverts the flip and surfaces a
// *ToggleFailedError. the engine never retries on its own - retry is a
// user-initiated re-tap.
func (self *ToggleEngine) Toggle(ctx context.Context, contentId Id, userId UserId, kind ToggleKind) (ToggleState, error) {
	key := toggleKey{kind: kind, contentId: contentId, userId: userId}
	now := time.Now()

	self.stateLock.Lock()
	if last, ok := self.lastToggles[key]; ok && now.Sub(last) < self.settings.DebounceWindow {
		state := ToggleState{}
		if cell, ok := self.cells[key]; ok {
			state = cell.state
		}
		self.stateLock.Unlock()
		self.metrics.TogglesDebounced.WithLabelValues(string(kind)).Inc()
		glog.V(1).Infof("[tg]debounce %s %s\n", kind, contentId)
		return state, nil
	}
	self.lastToggles[key] = now

	cell, ok := self.cells[key]
	if !ok {
		cell = &toggleCell{}
		self.cells[key] = cell
	}
	next := ToggleState{
		IsActive: !cell.state.IsActive,
		Count:    cell.state.Count,
	}
	if next.IsActive {
		next.Count += 1
	} else if 0 < next.Count {
		next.Count -= 1
	}
	cell.applyOptimistic(next)
	self.stateLock.Unlock()

	self.fireOptimistic(kind, contentId, next)

	var committed ToggleState
	var err error
	switch kind {
	case ToggleKindFollow:
		committed, err = self.toggleFollow(ctx, contentId, userId)
	default:
		committed, err = self.toggleReaction(ctx, contentId, userId)
	}
	if err != nil {
		self.stateLock.Lock()
		cell.rollback()
		reverted := cell.state
		// clear the debounce stamp so the re-tap is not swallowed
		delete(self.lastToggles, key)
		self.stateLock.Unlock()
		self.metrics.TogglesReverted.WithLabelValues(string(kind)).Inc()
		glog.Infof("[tg]revert %s %s = %s\n", kind, contentId, err)
		self.fireOptimistic(kind, contentId, reverted)
		return reverted, &ToggleFailedError{
			ContentId: contentId,
			Kind:      kind,
			Cause:     err,
		}
	}

	self.metrics.TogglesCommitted.WithLabelValues(string(kind)).Inc()
	glog.V(1).Infof("[tg]commit %s %s\n", kind, contentId)

	self.stateLock.Lock()
	cell.applyAuthoritative(committed)
	state := cell.state
	self.stateLock.Unlock()
	return state, nil
}

// the membership test and the count mutation happen inside the same
// transaction, never as two sequential writes. concurrent toggles from
// different users serialize on the store's conflict detection, so the
// count can never diverge from the set's cardinality.
func (self *ToggleEngine) toggleReaction(ctx context.Context, contentId Id, userId UserId) (ToggleState, error) {
	path := ContentPath(contentId)
	member := userId.String()
	var committed ToggleState
	err := self.store.RunTransaction(ctx, func(tx Transaction) error {
		snapshot, err := tx.Get(path)
		if err != nil {
			return err
		}
		count := snapshot.GetInt("reactionCount")
		write := Doc{
			"lastReactedAt": ServerTimestamp(),
		}
		if slices.Contains(snapshot.GetStringList("reactorIds"), member) {
			write["reactorIds"] = ArrayRemove(member)
			count -= 1
			if count < 0 {
				count = 0
			}
			committed = ToggleState{IsActive: false, Count: count}
		} else {
			write["reactorIds"] = ArrayUnion(member)
			count += 1
			committed = ToggleState{IsActive: true, Count: count}
		}
		write["reactionCount"] = count
		tx.SetMerge(path, write)
		return nil
	})
	return committed, err
}

// identical algorithm, two documents: `followerIds` on the followee and
// `followingIds` on the follower. both commit or neither does.
func (self *ToggleEngine) toggleFollow(ctx context.Context, followeeId UserId, followerId UserId) (ToggleState, error) {
	followeePath := UserPath(followeeId)
	followerPath := UserPath(followerId)
	followerMember := followerId.String()
	followeeMember := followeeId.String()
	var committed ToggleState
	err := self.store.RunTransaction(ctx, func(tx Transaction) error {
		followeeSnapshot, err := tx.Get(followeePath)
		if err != nil {
			return err
		}
		if _, err := tx.Get(followerPath); err != nil {
			return err
		}
		count := snapshotFollowerCount(followeeSnapshot)
		if slices.Contains(followeeSnapshot.GetStringList("followerIds"), followerMember) {
			count -= 1
			if count < 0 {
				count = 0
			}
			tx.SetMerge(followeePath, Doc{
				"followerIds":   ArrayRemove(followerMember),
				"followerCount": count,
			})
			tx.SetMerge(followerPath, Doc{
				"followingIds": ArrayRemove(followeeMember),
			})
			committed = ToggleState{IsActive: false, Count: count}
		} else {
			count += 1
			tx.SetMerge(followeePath, Doc{
				"followerIds":   ArrayUnion(followerMember),
				"followerCount": count,
			})
			tx.SetMerge(followerPath, Doc{
				"followingIds": ArrayUnion(followeeMember),
			})
			committed = ToggleState{IsActive: true, Count: count}
		}
		return nil
	})
	return committed, err
}

func snapshotFollowerCount(snapshot *DocumentSnapshot) int {
	if count := snapshot.GetInt("followerCount"); 0 < count {
		return count
	}
	return len(snapshot.GetStringList("followerIds"))
}

// attaches a live subscription on the content document and reconciles the
// local cell from every snapshot. the snapshot always wins over any
// lingering optimistic guess - including for the writer that just
// committed. callers must invoke the returned cancel when the owning ui
// context is torn down, or the subscription continues delivering
// callbacks against a dead slot.
func (self *ToggleEngine) Watch(kind ToggleKind, contentId Id, userId UserId) func() {
	var path Path
	switch kind {
	case ToggleKindFollow:
		path = UserPath(contentId)
	default:
		path = ContentPath(contentId)
	}
	return self.store.OnSnapshot(path, func(snapshot *DocumentSnapshot) {
		state := toggleStateFromSnapshot(kind, snapshot, userId)
		self.reconcile(kind, contentId, userId, state)
	})
}

func toggleStateFromSnapshot(kind ToggleKind, snapshot *DocumentSnapshot, userId UserId) ToggleState {
	member := userId.String()
	switch kind {
	case ToggleKindFollow:
		followerIds := snapshot.GetStringList("followerIds")
		return ToggleState{
			IsActive: slices.Contains(followerIds, member),
			Count:    snapshotFollowerCount(snapshot),
		}
	default:
		return ToggleState{
			IsActive: slices.Contains(snapshot.GetStringList("reactorIds"), member),
			Count:    snapshot.GetInt("reactionCount"),
		}
	}
}

func (self *ToggleEngine) reconcile(kind ToggleKind, contentId Id, userId UserId, state ToggleState) {
	key := toggleKey{kind: kind, contentId: contentId, userId: userId}

	self.stateLock.Lock()
	cell, ok := self.cells[key]
	if !ok {
		cell = &toggleCell{}
		self.cells[key] = cell
	}
	cell.applyAuthoritative(state)
	self.stateLock.Unlock()

	glog.V(2).Infof("[tg]reconcile %s %s active=%t count=%d\n", kind, contentId, state.IsActive, state.Count)
	for _, callback := range self.authoritativeCallbacks.Get() {
		HandleError(func() {
			callback(kind, contentId, state)
		})
	}
}

func (self *ToggleEngine) fireOptimistic(kind ToggleKind, contentId Id, state ToggleState) {
	for _, callback := range self.optimisticCallbacks.Get() {
		HandleError(func() {
			callback(kind, contentId, state)
		})
	}
}
