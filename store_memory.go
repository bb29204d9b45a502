package engage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// in-memory document store with the same semantics as the remote backend:
// optimistic transactions with server-side conflict detection and retry,
// atomic batches, per-document snapshot delivery in commit order, and
// rejection of writes that carry nil placeholder values.
//
// used as the store behind tests and local/offline sessions.

type WriteValidateFunction func(path Path, doc Doc) error

func RejectNilPlaceholders(path Path, doc Doc) error {
	return validateDoc(path, doc)
}

type MemoryDocumentStoreSettings struct {
	// conflict retry budget for `RunTransaction`
	TransactionRetryCount int
	// validators applied to every resolved write at commit time
	WriteValidators []WriteValidateFunction
}

func DefaultMemoryDocumentStoreSettings() *MemoryDocumentStoreSettings {
	return &MemoryDocumentStoreSettings{
		TransactionRetryCount: GetEnvInt("ENGAGE_TX_RETRY_COUNT", 5),
		WriteValidators: []WriteValidateFunction{
			RejectNilPlaceholders,
		},
	}
}

type memoryDocument struct {
	data    Doc
	version int64
	exists  bool
}

type docSub struct {
	path     Path
	callback SnapshotFunction
	canceled bool
}

type querySub struct {
	query    Query
	callback QuerySnapshotFunction
	canceled bool
}

type writeOpKind int

const (
	writeOpSet writeOpKind = iota
	writeOpSetMerge
	writeOpUpdate
	writeOpDelete
)

type writeOp struct {
	kind writeOpKind
	path Path
	doc  Doc
}

type MemoryDocumentStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MemoryDocumentStoreSettings

	stateLock     sync.Mutex
	commitVersion int64
	documents     map[Path]*memoryDocument
	docSubs       map[int]*docSub
	querySubs     map[int]*querySub
	nextSubId     int

	dispatchLock    sync.Mutex
	pendingNotifies []func()
	dispatchMonitor *Monitor
}

func NewMemoryDocumentStoreWithDefaults(ctx context.Context) *MemoryDocumentStore {
	return NewMemoryDocumentStore(ctx, DefaultMemoryDocumentStoreSettings())
}

func NewMemoryDocumentStore(ctx context.Context, settings *MemoryDocumentStoreSettings) *MemoryDocumentStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &MemoryDocumentStore{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		documents:       map[Path]*memoryDocument{},
		docSubs:         map[int]*docSub{},
		querySubs:       map[int]*querySub{},
		dispatchMonitor: NewMonitor(),
	}
	go store.dispatchLoop()
	return store
}

// snapshot delivery happens on a single dispatch goroutine in enqueue
// order, which is commit order. callbacks never run under the state lock,
// so a callback is free to call back into the store.
func (self *MemoryDocumentStore) dispatchLoop() {
	for {
		self.dispatchLock.Lock()
		notifies := self.pendingNotifies
		self.pendingNotifies = nil
		self.dispatchLock.Unlock()

		for _, notify := range notifies {
			select {
			case <-self.ctx.Done():
				return
			default:
			}
			HandleError(notify)
		}

		notifyChannel := self.dispatchMonitor.NotifyChannel()
		self.dispatchLock.Lock()
		pending := 0 < len(self.pendingNotifies)
		self.dispatchLock.Unlock()
		if pending {
			continue
		}
		select {
		case <-self.ctx.Done():
			return
		case <-notifyChannel:
		}
	}
}

func (self *MemoryDocumentStore) enqueueNotify(notify func()) {
	self.dispatchLock.Lock()
	self.pendingNotifies = append(self.pendingNotifies, notify)
	self.dispatchLock.Unlock()
	self.dispatchMonitor.NotifyAll()
}

func (self *MemoryDocumentStore) Close() {
	self.cancel()
}

func (self *MemoryDocumentStore) Get(ctx context.Context, path Path) (*DocumentSnapshot, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.snapshotLocked(path), nil
}

// must be called inside the state lock
func (self *MemoryDocumentStore) snapshotLocked(path Path) *DocumentSnapshot {
	document, ok := self.documents[path]
	if !ok || !document.exists {
		version := int64(0)
		if ok {
			version = document.version
		}
		return &DocumentSnapshot{
			Path:    path,
			Exists:  false,
			Version: version,
		}
	}
	return &DocumentSnapshot{
		Path:    path,
		Exists:  true,
		Data:    cloneDoc(document.data),
		Version: document.version,
	}
}

func (self *MemoryDocumentStore) Set(ctx context.Context, path Path, doc Doc) error {
	return self.commit([]writeOp{{kind: writeOpSet, path: path, doc: doc}})
}

func (self *MemoryDocumentStore) SetMerge(ctx context.Context, path Path, doc Doc) error {
	return self.commit([]writeOp{{kind: writeOpSetMerge, path: path, doc: doc}})
}

func (self *MemoryDocumentStore) Update(ctx context.Context, path Path, doc Doc) error {
	return self.commit([]writeOp{{kind: writeOpUpdate, path: path, doc: doc}})
}

func (self *MemoryDocumentStore) Delete(ctx context.Context, path Path) error {
	return self.commit([]writeOp{{kind: writeOpDelete, path: path}})
}

func (self *MemoryDocumentStore) Query(ctx context.Context, query Query) (*QuerySnapshot, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.queryLocked(query), nil
}

// must be called inside the state lock
func (self *MemoryDocumentStore) queryLocked(query Query) *QuerySnapshot {
	docs := []*DocumentSnapshot{}
	paths := maps.Keys(self.documents)
	slices.SortFunc(paths, func(a Path, b Path) int {
		if a.Collection != b.Collection {
			if a.Collection < b.Collection {
				return -1
			}
			return 1
		}
		if a.DocId < b.DocId {
			return -1
		} else if b.DocId < a.DocId {
			return 1
		}
		return 0
	})
	for _, path := range paths {
		document := self.documents[path]
		if !document.exists {
			continue
		}
		if matchQuery(query, path, document.data) {
			docs = append(docs, self.snapshotLocked(path))
		}
	}
	return &QuerySnapshot{
		Query: query,
		Docs:  docs,
	}
}

func matchQuery(query Query, path Path, data Doc) bool {
	if path.Collection != query.Collection {
		return false
	}
	for _, where := range query.Wheres {
		fieldValue, ok := data[where.Field]
		switch where.Op {
		case WhereOpEq:
			if !ok || !valuesEqual(fieldValue, where.Value) {
				return false
			}
		case WhereOpArrayContains:
			values, isList := fieldValue.([]any)
			if !ok || !isList {
				return false
			}
			if !slices.ContainsFunc(values, func(value any) bool {
				return valuesEqual(value, where.Value)
			}) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func valuesEqual(a any, b any) bool {
	// normalize numerics so that int comparisons against stored float64 work
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	default:
		return 0, false
	}
}

func cloneDoc(doc Doc) Doc {
	out := make(Doc, len(doc))
	for key, value := range doc {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case Doc:
		return cloneDoc(v)
	case []any:
		out := make([]any, len(v))
		for i, nested := range v {
			out[i] = cloneValue(nested)
		}
		return out
	default:
		return v
	}
}

func (self *MemoryDocumentStore) NewBatch() WriteBatch {
	return &memoryWriteBatch{
		store: self,
	}
}

type memoryWriteBatch struct {
	store  *MemoryDocumentStore
	writes []writeOp
}

func (self *memoryWriteBatch) Set(path Path, doc Doc) {
	self.writes = append(self.writes, writeOp{kind: writeOpSet, path: path, doc: doc})
}

func (self *memoryWriteBatch) SetMerge(path Path, doc Doc) {
	self.writes = append(self.writes, writeOp{kind: writeOpSetMerge, path: path, doc: doc})
}

func (self *memoryWriteBatch) Update(path Path, doc Doc) {
	self.writes = append(self.writes, writeOp{kind: writeOpUpdate, path: path, doc: doc})
}

func (self *memoryWriteBatch) Delete(path Path) {
	self.writes = append(self.writes, writeOp{kind: writeOpDelete, path: path})
}

func (self *memoryWriteBatch) Commit(ctx context.Context) error {
	return self.store.commit(self.writes)
}

// applies all writes or none, then notifies subscribers in commit order
func (self *MemoryDocumentStore) commit(writes []writeOp) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.commitLocked(writes, nil)
}

// must be called inside the state lock.
// `readVersions` non-nil makes this a transaction commit: the commit
// aborts with a conflict if any read document changed since it was read.
func (self *MemoryDocumentStore) commitLocked(writes []writeOp, readVersions map[Path]int64) error {
	for path, version := range readVersions {
		current := int64(0)
		if document, ok := self.documents[path]; ok {
			current = document.version
		}
		if current != version {
			return errTransactionConflict
		}
	}

	// resolve and validate everything before mutating anything
	now := time.Now()
	resolved := make([]Doc, len(writes))
	for i, write := range writes {
		switch write.kind {
		case writeOpDelete:
			continue
		case writeOpUpdate:
			document, ok := self.documents[write.path]
			if !ok || !document.exists {
				return &NotFoundError{Path: write.path}
			}
		}
		base := Doc{}
		if write.kind != writeOpSet {
			if document, ok := self.documents[write.path]; ok && document.exists {
				base = cloneDoc(document.data)
			}
		}
		next, err := resolveWrite(base, write.doc, now)
		if err != nil {
			return err
		}
		for _, validate := range self.settings.WriteValidators {
			if err := validate(write.path, next); err != nil {
				return err
			}
		}
		resolved[i] = next
	}

	self.commitVersion += 1
	version := self.commitVersion

	touchedCollections := map[string]bool{}
	for i, write := range writes {
		document, ok := self.documents[write.path]
		if !ok {
			document = &memoryDocument{}
			self.documents[write.path] = document
		}
		switch write.kind {
		case writeOpDelete:
			document.data = nil
			document.exists = false
		default:
			document.data = resolved[i]
			document.exists = true
		}
		document.version = version
		touchedCollections[write.path.Collection] = true

		snapshot := self.snapshotLocked(write.path)
		for _, sub := range maps.Values(self.docSubs) {
			if sub.path == write.path {
				self.enqueueDocNotify(sub, snapshot)
			}
		}
		glog.V(2).Infof("[ds]commit %s v%d\n", write.path, version)
	}

	for _, sub := range maps.Values(self.querySubs) {
		if touchedCollections[sub.query.Collection] {
			self.enqueueQueryNotify(sub, self.queryLocked(sub.query))
		}
	}

	return nil
}

func (self *MemoryDocumentStore) enqueueDocNotify(sub *docSub, snapshot *DocumentSnapshot) {
	self.enqueueNotify(func() {
		self.stateLock.Lock()
		canceled := sub.canceled
		self.stateLock.Unlock()
		if canceled {
			return
		}
		sub.callback(snapshot)
	})
}

func (self *MemoryDocumentStore) enqueueQueryNotify(sub *querySub, snapshot *QuerySnapshot) {
	self.enqueueNotify(func() {
		self.stateLock.Lock()
		canceled := sub.canceled
		self.stateLock.Unlock()
		if canceled {
			return
		}
		sub.callback(snapshot)
	})
}

// resolves field transforms against the base document.
// `base` is the merge base: empty for a plain set, the current document
// data for merge/update.
func resolveWrite(base Doc, doc Doc, now time.Time) (Doc, error) {
	out := base
	for field, value := range doc {
		resolvedValue, err := resolveValue(out[field], value, now)
		if err != nil {
			return nil, err
		}
		out[field] = resolvedValue
	}
	return out, nil
}

func resolveValue(existing any, value any, now time.Time) (any, error) {
	switch v := value.(type) {
	case incrementTransform:
		existingValue, _ := toFloat(existing)
		return existingValue + float64(v.n), nil
	case arrayUnionTransform:
		values, _ := existing.([]any)
		out := slices.Clone(values)
		for _, add := range v.values {
			if !slices.ContainsFunc(out, func(member any) bool {
				return valuesEqual(member, add)
			}) {
				out = append(out, add)
			}
		}
		return out, nil
	case arrayRemoveTransform:
		values, _ := existing.([]any)
		out := []any{}
		for _, member := range values {
			if !slices.ContainsFunc(v.values, func(remove any) bool {
				return valuesEqual(member, remove)
			}) {
				out = append(out, member)
			}
		}
		return out, nil
	case serverTimestampTransform:
		return FormatTime(now), nil
	case Doc:
		existingDoc, _ := existing.(Doc)
		base := Doc{}
		if existingDoc != nil {
			base = cloneDoc(existingDoc)
		}
		return resolveWrite(base, v, now)
	default:
		return cloneValue(value), nil
	}
}

var errTransactionConflict = &conflictError{}

type conflictError struct{}

func (self *conflictError) Error() string {
	return "transaction conflict"
}

type memoryTransaction struct {
	store        *MemoryDocumentStore
	readVersions map[Path]int64
	writes       []writeOp
}

func (self *memoryTransaction) Get(path Path) (*DocumentSnapshot, error) {
	self.store.stateLock.Lock()
	defer self.store.stateLock.Unlock()

	snapshot := self.store.snapshotLocked(path)
	self.readVersions[path] = snapshot.Version
	return snapshot, nil
}

func (self *memoryTransaction) Set(path Path, doc Doc) {
	self.writes = append(self.writes, writeOp{kind: writeOpSet, path: path, doc: doc})
}

func (self *memoryTransaction) SetMerge(path Path, doc Doc) {
	self.writes = append(self.writes, writeOp{kind: writeOpSetMerge, path: path, doc: doc})
}

func (self *memoryTransaction) Update(path Path, doc Doc) {
	self.writes = append(self.writes, writeOp{kind: writeOpUpdate, path: path, doc: doc})
}

func (self *memoryTransaction) Delete(path Path) {
	self.writes = append(self.writes, writeOp{kind: writeOpDelete, path: path})
}

// optimistic read-modify-write. the transaction function is re-run from
// scratch when a read document was changed by a concurrent writer.
func (self *MemoryDocumentStore) RunTransaction(ctx context.Context, fn TransactionFunction) error {
	retryCount := self.settings.TransactionRetryCount
	for attempt := 0; attempt < retryCount; attempt += 1 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return self.ctx.Err()
		default:
		}

		tx := &memoryTransaction{
			store:        self,
			readVersions: map[Path]int64{},
		}
		if err := fn(tx); err != nil {
			return err
		}

		self.stateLock.Lock()
		err := self.commitLocked(tx.writes, tx.readVersions)
		self.stateLock.Unlock()
		if err == nil {
			return nil
		}
		if err != errTransactionConflict {
			return err
		}
		glog.V(1).Infof("[ds]transaction conflict, attempt %d\n", attempt+1)
	}
	return &TransactionAbortedError{
		Attempts: retryCount,
		Cause:    errTransactionConflict,
	}
}

func (self *MemoryDocumentStore) OnSnapshot(path Path, callback SnapshotFunction) func() {
	self.stateLock.Lock()
	subId := self.nextSubId
	self.nextSubId += 1
	sub := &docSub{
		path:     path,
		callback: callback,
	}
	self.docSubs[subId] = sub
	// deliver the current state on attach
	self.enqueueDocNotify(sub, self.snapshotLocked(path))
	self.stateLock.Unlock()

	return func() {
		self.stateLock.Lock()
		sub.canceled = true
		delete(self.docSubs, subId)
		self.stateLock.Unlock()
	}
}

func (self *MemoryDocumentStore) OnQuerySnapshot(query Query, callback QuerySnapshotFunction) func() {
	self.stateLock.Lock()
	subId := self.nextSubId
	self.nextSubId += 1
	sub := &querySub{
		query:    query,
		callback: callback,
	}
	self.querySubs[subId] = sub
	self.enqueueQueryNotify(sub, self.queryLocked(query))
	self.stateLock.Unlock()

	return func() {
		self.stateLock.Lock()
		sub.canceled = true
		delete(self.querySubs, subId)
		self.stateLock.Unlock()
	}
}
