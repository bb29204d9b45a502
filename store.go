package engage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// capability interface over the remote schemaless document database.
// the engines are written against this interface only. two implementations
// ship with the package: `MemoryDocumentStore` and `RemoteDocumentStore`.

// a document is a flat-to-nested map of json-typed values:
// string, float64, bool, nil is forbidden, []any, map[string]any.
// times are stored as rfc3339 strings.
type Doc = map[string]any

// comparable
type Path struct {
	Collection string
	DocId      string
}

func (self Path) String() string {
	return fmt.Sprintf("%s/%s", self.Collection, self.DocId)
}

type DocumentSnapshot struct {
	Path   Path
	Exists bool
	Data   Doc
	// store commit order for this document. snapshots for one document are
	// always delivered in increasing version order.
	Version int64
}

func (self *DocumentSnapshot) GetString(field string) string {
	if self == nil || !self.Exists {
		return ""
	}
	if value, ok := self.Data[field].(string); ok {
		return value
	}
	return ""
}

func (self *DocumentSnapshot) GetInt(field string) int {
	if self == nil || !self.Exists {
		return 0
	}
	switch value := self.Data[field].(type) {
	case float64:
		return int(value)
	case int:
		return value
	case int64:
		return int(value)
	default:
		return 0
	}
}

func (self *DocumentSnapshot) GetBool(field string) bool {
	if self == nil || !self.Exists {
		return false
	}
	if value, ok := self.Data[field].(bool); ok {
		return value
	}
	return false
}

func (self *DocumentSnapshot) GetTime(field string) time.Time {
	if value, ok := self.GetStringOk(field); ok {
		if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (self *DocumentSnapshot) GetStringOk(field string) (string, bool) {
	if self == nil || !self.Exists {
		return "", false
	}
	value, ok := self.Data[field].(string)
	return value, ok
}

func (self *DocumentSnapshot) GetStringList(field string) []string {
	if self == nil || !self.Exists {
		return nil
	}
	values, ok := self.Data[field].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if s, ok := value.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

type QuerySnapshot struct {
	Query Query
	Docs  []*DocumentSnapshot
}

// field transforms. these are written as document values and resolved
// atomically by the store at commit time.

type incrementTransform struct {
	n int64
}

// atomic counter adjustment, applied server side
func Increment(n int) any {
	return incrementTransform{n: int64(n)}
}

type arrayUnionTransform struct {
	values []any
}

// set-union on an array field. duplicates are never added.
func ArrayUnion(values ...any) any {
	return arrayUnionTransform{values: values}
}

type arrayRemoveTransform struct {
	values []any
}

func ArrayRemove(values ...any) any {
	return arrayRemoveTransform{values: values}
}

type serverTimestampTransform struct{}

func ServerTimestamp() any {
	return serverTimestampTransform{}
}

// queries

type WhereOp string

const (
	WhereOpEq            WhereOp = "=="
	WhereOpArrayContains WhereOp = "array-contains"
)

type Where struct {
	Field string
	Op    WhereOp
	Value any
}

func Eq(field string, value any) Where {
	return Where{Field: field, Op: WhereOpEq, Value: value}
}

func ArrayContains(field string, value any) Where {
	return Where{Field: field, Op: WhereOpArrayContains, Value: value}
}

type Query struct {
	Collection string
	Wheres     []Where
}

func CollectionQuery(collection string, wheres ...Where) Query {
	return Query{
		Collection: collection,
		Wheres:     wheres,
	}
}

type SnapshotFunction func(snapshot *DocumentSnapshot)
type QuerySnapshotFunction func(snapshot *QuerySnapshot)
type TransactionFunction func(tx Transaction) error

// optimistic read-modify-write unit. all reads happen before all writes.
// the store retries the transaction function on conflicting concurrent
// writers, so the function must be side-effect free apart from its writes.
type Transaction interface {
	Get(path Path) (*DocumentSnapshot, error)
	Set(path Path, doc Doc)
	SetMerge(path Path, doc Doc)
	Update(path Path, doc Doc)
	Delete(path Path)
}

// multi-document write committed atomically, without a read phase
type WriteBatch interface {
	Set(path Path, doc Doc)
	SetMerge(path Path, doc Doc)
	Update(path Path, doc Doc)
	Delete(path Path)
	Commit(ctx context.Context) error
}

type DocumentStore interface {
	Get(ctx context.Context, path Path) (*DocumentSnapshot, error)
	Set(ctx context.Context, path Path, doc Doc) error
	SetMerge(ctx context.Context, path Path, doc Doc) error
	Update(ctx context.Context, path Path, doc Doc) error
	Delete(ctx context.Context, path Path) error
	Query(ctx context.Context, query Query) (*QuerySnapshot, error)
	RunTransaction(ctx context.Context, fn TransactionFunction) error
	NewBatch() WriteBatch
	// push-based change subscriptions. the callback fires once with the
	// current state on attach, then on every committed change.
	// the returned function cancels the subscription. callers must invoke
	// it when the owning context is torn down or the subscription leaks.
	OnSnapshot(path Path, callback SnapshotFunction) func()
	OnQuerySnapshot(query Query, callback QuerySnapshotFunction) func()
}

// store-level error classes. the engines classify on these to choose
// between fallback and terminal failure.

// a write contained a nil/undefined placeholder value. the batch api
// rejects the entire commit when any write carries one.
type MalformedWriteError struct {
	Path  Path
	Field string
}

func (self *MalformedWriteError) Error() string {
	return fmt.Sprintf("malformed write at %s: field %q has a nil placeholder value", self.Path, self.Field)
}

// the transaction could not commit within the store's conflict retry budget
type TransactionAbortedError struct {
	Attempts int
	Cause    error
}

func (self *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction aborted after %d attempts: %s", self.Attempts, self.Cause)
}

func (self *TransactionAbortedError) Unwrap() error {
	return self.Cause
}

// an `Update` addressed a document that does not exist
type NotFoundError struct {
	Path Path
}

func (self *NotFoundError) Error() string {
	return fmt.Sprintf("document not found: %s", self.Path)
}

// the store was unreachable. distinct from a store-side write rejection:
// a transport error means the commit outcome may be unknown.
type TransportError struct {
	Cause error
}

func (self *TransportError) Error() string {
	return fmt.Sprintf("store transport error: %s", self.Cause)
}

func (self *TransportError) Unwrap() error {
	return self.Cause
}

// maps a typed domain object to a sparse map containing only present
// fields, driven by the entity's json tags. optional fields are pointers
// tagged omitempty, so absent values are omitted from the written payload
// rather than written as nil placeholders.
func SparseDoc(v any) (Doc, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Doc
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func RequireSparseDoc(v any) Doc {
	doc, err := SparseDoc(v)
	if err != nil {
		panic(err)
	}
	return doc
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// rejects docs containing nil placeholder values, recursively.
// mirrors the remote store's write validation so that the memory store
// fails the same way the real backend does.
func validateDoc(path Path, doc Doc) error {
	return validateValue(path, "", doc)
}

func validateValue(path Path, field string, value any) error {
	switch v := value.(type) {
	case nil:
		return &MalformedWriteError{Path: path, Field: field}
	case Doc:
		for key, nested := range v {
			nestedField := key
			if field != "" {
				nestedField = field + "." + key
			}
			if err := validateValue(path, nestedField, nested); err != nil {
				return err
			}
		}
	case []any:
		for i, nested := range v {
			if err := validateValue(path, fmt.Sprintf("%s[%d]", field, i), nested); err != nil {
				return err
			}
		}
	}
	return nil
}
