package engage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// websocket client for the hosted document store. frames are schemaless
// maps encoded as protobuf `structpb.Struct` messages. the connection is
// re-dialed on failure and all live subscriptions are re-attached, so a
// subscriber holds one logical subscription across reconnects.

type RemoteDocumentStoreSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	RequestTimeout     time.Duration
	SendBufferSize     int
	// conflict retry budget for `RunTransaction`
	TransactionRetryCount int
}

func DefaultRemoteDocumentStoreSettings() *RemoteDocumentStoreSettings {
	return &RemoteDocumentStoreSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   GetEnvDuration("ENGAGE_STORE_RECONNECT_TIMEOUT", 5*time.Second),
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		RequestTimeout:     GetEnvDuration("ENGAGE_STORE_REQUEST_TIMEOUT", 30*time.Second),
		SendBufferSize:     32,

		TransactionRetryCount: GetEnvInt("ENGAGE_TX_RETRY_COUNT", 5),
	}
}

type storeFrame = map[string]any

type remoteSub struct {
	subId    Id
	path     *Path
	query    *Query
	callback func(frame storeFrame)
	canceled bool
}

type RemoteDocumentStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	storeUrl string
	byJwt    string
	settings *RemoteDocumentStoreSettings

	stateLock sync.Mutex
	send      chan []byte
	pending   map[Id]chan storeFrame
	subs      map[Id]*remoteSub
}

func NewRemoteDocumentStoreWithDefaults(ctx context.Context, storeUrl string, byJwt string) *RemoteDocumentStore {
	return NewRemoteDocumentStore(ctx, storeUrl, byJwt, DefaultRemoteDocumentStoreSettings())
}

func NewRemoteDocumentStore(ctx context.Context, storeUrl string, byJwt string, settings *RemoteDocumentStoreSettings) *RemoteDocumentStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	store := &RemoteDocumentStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		storeUrl: storeUrl,
		byJwt:    byJwt,
		settings: settings,
		pending:  map[Id]chan storeFrame{},
		subs:     map[Id]*remoteSub{},
	}
	go store.run()
	return store
}

func (self *RemoteDocumentStore) Close() {
	self.cancel()
}

func (self *RemoteDocumentStore) run() {
	defer self.cancel()

	for {
		connect := func() (*websocket.Conn, error) {
			dialer := &websocket.Dialer{
				HandshakeTimeout: self.settings.WsHandshakeTimeout,
			}
			ws, _, err := dialer.DialContext(self.ctx, self.storeUrl, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			authBytes, err := encodeFrame(storeFrame{
				"op":    "auth",
				"byJwt": self.byJwt,
			})
			if err != nil {
				return nil, err
			}
			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if _, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else if frame, err := decodeFrame(message); err != nil {
				return nil, err
			} else if op, _ := frame["op"].(string); op != "authOk" {
				return nil, fmt.Errorf("auth response error: %v", frame["op"])
			}

			success = true
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError("[rs]connect", connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[rs]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.runConnection(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *RemoteDocumentStore) runConnection(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	self.stateLock.Lock()
	self.send = send
	resubs := make([]*remoteSub, 0, len(self.subs))
	for _, sub := range self.subs {
		resubs = append(resubs, sub)
	}
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		if self.send == send {
			self.send = nil
		}
		// a dropped connection means every in-flight request has an
		// unknown commit outcome
		for requestId, response := range self.pending {
			close(response)
			delete(self.pending, requestId)
		}
		self.stateLock.Unlock()
	}()

	// re-attach live subscriptions on the fresh connection
	for _, sub := range resubs {
		frame := storeFrame{
			"op":    "subscribe",
			"subId": sub.subId.String(),
		}
		if sub.path != nil {
			frame["path"] = sub.path.String()
		}
		if sub.query != nil {
			frame["query"] = encodeQuery(*sub.query)
		}
		if frameBytes, err := encodeFrame(frame); err == nil {
			select {
			case send <- frameBytes:
			case <-handleCtx.Done():
				return
			}
		}
	}

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.Infof("[rs]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[rs]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[rs]<- error = %s\n", err)
			return
		}
		if messageType != websocket.BinaryMessage || len(message) == 0 {
			// ping
			continue
		}
		frame, err := decodeFrame(message)
		if err != nil {
			glog.Infof("[rs]<- decode error = %s\n", err)
			continue
		}
		self.receive(frame)
	}
}

func (self *RemoteDocumentStore) receive(frame storeFrame) {
	op, _ := frame["op"].(string)
	switch op {
	case "response":
		requestIdStr, _ := frame["requestId"].(string)
		requestId, err := ParseId(requestIdStr)
		if err != nil {
			return
		}
		self.stateLock.Lock()
		response, ok := self.pending[requestId]
		delete(self.pending, requestId)
		self.stateLock.Unlock()
		if ok {
			response <- frame
			close(response)
		}
	case "snapshot", "querySnapshot":
		subIdStr, _ := frame["subId"].(string)
		subId, err := ParseId(subIdStr)
		if err != nil {
			return
		}
		self.stateLock.Lock()
		sub, ok := self.subs[subId]
		canceled := ok && sub.canceled
		self.stateLock.Unlock()
		if ok && !canceled {
			HandleError(func() {
				sub.callback(frame)
			})
		}
	default:
		glog.V(2).Infof("[rs]<- unknown op %s\n", op)
	}
}

// sends one request frame and waits for the correlated response.
// a missing connection or timeout is a transport error: the commit
// outcome is unknown.
func (self *RemoteDocumentStore) request(ctx context.Context, frame storeFrame) (storeFrame, error) {
	requestId := NewId()
	frame["requestId"] = requestId.String()
	frameBytes, err := encodeFrame(frame)
	if err != nil {
		return nil, err
	}

	response := make(chan storeFrame, 1)
	self.stateLock.Lock()
	send := self.send
	if send == nil {
		self.stateLock.Unlock()
		return nil, &TransportError{Cause: errors.New("store not connected")}
	}
	self.pending[requestId] = response
	self.stateLock.Unlock()

	cleanup := func() {
		self.stateLock.Lock()
		delete(self.pending, requestId)
		self.stateLock.Unlock()
	}

	select {
	case send <- frameBytes:
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-self.ctx.Done():
		cleanup()
		return nil, &TransportError{Cause: self.ctx.Err()}
	case <-time.After(self.settings.RequestTimeout):
		cleanup()
		return nil, &TransportError{Cause: errors.New("request timeout")}
	}

	select {
	case responseFrame, ok := <-response:
		if !ok {
			return nil, &TransportError{Cause: errors.New("connection lost")}
		}
		return responseFrame, responseError(responseFrame)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-self.ctx.Done():
		cleanup()
		return nil, &TransportError{Cause: self.ctx.Err()}
	case <-time.After(self.settings.RequestTimeout):
		cleanup()
		return nil, &TransportError{Cause: errors.New("request timeout")}
	}
}

var errRemoteConflict = errors.New("transaction conflict")

func responseError(frame storeFrame) error {
	errorValue, ok := frame["error"].(map[string]any)
	if !ok {
		return nil
	}
	code, _ := errorValue["code"].(string)
	message, _ := errorValue["message"].(string)
	switch code {
	case "malformed":
		field, _ := errorValue["field"].(string)
		pathStr, _ := errorValue["path"].(string)
		return &MalformedWriteError{Path: parsePathString(pathStr), Field: field}
	case "conflict":
		return errRemoteConflict
	case "notFound":
		pathStr, _ := errorValue["path"].(string)
		return &NotFoundError{Path: parsePathString(pathStr)}
	default:
		return fmt.Errorf("store error %s: %s", code, message)
	}
}

func (self *RemoteDocumentStore) Get(ctx context.Context, path Path) (*DocumentSnapshot, error) {
	frame, err := self.request(ctx, storeFrame{
		"op":   "get",
		"path": path.String(),
	})
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(path, frame), nil
}

func (self *RemoteDocumentStore) Set(ctx context.Context, path Path, doc Doc) error {
	return self.commitWrites(ctx, []storeFrame{encodeWrite("set", path, doc)}, nil)
}

func (self *RemoteDocumentStore) SetMerge(ctx context.Context, path Path, doc Doc) error {
	return self.commitWrites(ctx, []storeFrame{encodeWrite("setMerge", path, doc)}, nil)
}

func (self *RemoteDocumentStore) Update(ctx context.Context, path Path, doc Doc) error {
	return self.commitWrites(ctx, []storeFrame{encodeWrite("update", path, doc)}, nil)
}

func (self *RemoteDocumentStore) Delete(ctx context.Context, path Path) error {
	return self.commitWrites(ctx, []storeFrame{encodeWrite("delete", path, nil)}, nil)
}

func (self *RemoteDocumentStore) commitWrites(ctx context.Context, writes []storeFrame, preconditions map[string]any) error {
	frame := storeFrame{
		"op":     "commit",
		"writes": toAnyList(writes),
	}
	if preconditions != nil {
		frame["preconditions"] = preconditions
	}
	_, err := self.request(ctx, frame)
	return err
}

func (self *RemoteDocumentStore) Query(ctx context.Context, query Query) (*QuerySnapshot, error) {
	frame, err := self.request(ctx, storeFrame{
		"op":    "query",
		"query": encodeQuery(query),
	})
	if err != nil {
		return nil, err
	}
	return decodeQuerySnapshot(query, frame), nil
}

// client-driven optimistic transaction: reads record document versions,
// the commit carries them as preconditions, and the server rejects the
// commit if any read document changed. the transaction function is re-run
// on conflict.
func (self *RemoteDocumentStore) RunTransaction(ctx context.Context, fn TransactionFunction) error {
	retryCount := self.settings.TransactionRetryCount
	for attempt := 0; attempt < retryCount; attempt += 1 {
		tx := &remoteTransaction{
			ctx:          ctx,
			store:        self,
			readVersions: map[string]any{},
		}
		if err := fn(tx); err != nil {
			return err
		}
		if tx.err != nil {
			return tx.err
		}
		err := self.commitWrites(ctx, tx.writes, tx.readVersions)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errRemoteConflict) {
			return err
		}
		glog.V(1).Infof("[rs]transaction conflict, attempt %d\n", attempt+1)
	}
	return &TransactionAbortedError{
		Attempts: retryCount,
		Cause:    errRemoteConflict,
	}
}

type remoteTransaction struct {
	ctx          context.Context
	store        *RemoteDocumentStore
	readVersions map[string]any
	writes       []storeFrame
	err          error
}

func (self *remoteTransaction) Get(path Path) (*DocumentSnapshot, error) {
	snapshot, err := self.store.Get(self.ctx, path)
	if err != nil {
		self.err = err
		return nil, err
	}
	self.readVersions[path.String()] = float64(snapshot.Version)
	return snapshot, nil
}

func (self *remoteTransaction) Set(path Path, doc Doc) {
	self.writes = append(self.writes, encodeWrite("set", path, doc))
}

func (self *remoteTransaction) SetMerge(path Path, doc Doc) {
	self.writes = append(self.writes, encodeWrite("setMerge", path, doc))
}

func (self *remoteTransaction) Update(path Path, doc Doc) {
	self.writes = append(self.writes, encodeWrite("update", path, doc))
}

func (self *remoteTransaction) Delete(path Path) {
	self.writes = append(self.writes, encodeWrite("delete", path, nil))
}

func (self *RemoteDocumentStore) NewBatch() WriteBatch {
	return &remoteWriteBatch{
		store: self,
	}
}

type remoteWriteBatch struct {
	store  *RemoteDocumentStore
	writes []storeFrame
}

func (self *remoteWriteBatch) Set(path Path, doc Doc) {
	self.writes = append(self.writes, encodeWrite("set", path, doc))
}

func (self *remoteWriteBatch) SetMerge(path Path, doc Doc) {
	self.writes = append(self.writes, encodeWrite("setMerge", path, doc))
}

func (self *remoteWriteBatch) Update(path Path, doc Doc) {
	self.writes = append(self.writes, encodeWrite("update", path, doc))
}

func (self *remoteWriteBatch) Delete(path Path) {
	self.writes = append(self.writes, encodeWrite("delete", path, nil))
}

func (self *remoteWriteBatch) Commit(ctx context.Context) error {
	return self.store.commitWrites(ctx, self.writes, nil)
}

func (self *RemoteDocumentStore) OnSnapshot(path Path, callback SnapshotFunction) func() {
	sub := &remoteSub{
		subId: NewId(),
		path:  &path,
		callback: func(frame storeFrame) {
			callback(decodeSnapshot(path, frame))
		},
	}
	return self.attachSub(sub)
}

func (self *RemoteDocumentStore) OnQuerySnapshot(query Query, callback QuerySnapshotFunction) func() {
	sub := &remoteSub{
		subId: NewId(),
		query: &query,
		callback: func(frame storeFrame) {
			callback(decodeQuerySnapshot(query, frame))
		},
	}
	return self.attachSub(sub)
}

func (self *RemoteDocumentStore) attachSub(sub *remoteSub) func() {
	self.stateLock.Lock()
	self.subs[sub.subId] = sub
	send := self.send
	self.stateLock.Unlock()

	frame := storeFrame{
		"op":    "subscribe",
		"subId": sub.subId.String(),
	}
	if sub.path != nil {
		frame["path"] = sub.path.String()
	}
	if sub.query != nil {
		frame["query"] = encodeQuery(*sub.query)
	}
	if send != nil {
		if frameBytes, err := encodeFrame(frame); err == nil {
			select {
			case send <- frameBytes:
			case <-self.ctx.Done():
			}
		}
	}
	// when there is no connection, the subscription attaches on the next
	// reconnect

	return func() {
		self.stateLock.Lock()
		sub.canceled = true
		delete(self.subs, sub.subId)
		send := self.send
		self.stateLock.Unlock()

		if send != nil {
			frame := storeFrame{
				"op":    "unsubscribe",
				"subId": sub.subId.String(),
			}
			if frameBytes, err := encodeFrame(frame); err == nil {
				select {
				case send <- frameBytes:
				case <-self.ctx.Done():
				}
			}
		}
	}
}

// frame codec

func encodeFrame(frame storeFrame) ([]byte, error) {
	value, err := structpb.NewStruct(frame)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(value)
}

func decodeFrame(frameBytes []byte) (storeFrame, error) {
	value := &structpb.Struct{}
	if err := proto.Unmarshal(frameBytes, value); err != nil {
		return nil, err
	}
	return value.AsMap(), nil
}

func encodeWrite(kind string, path Path, doc Doc) storeFrame {
	write := storeFrame{
		"kind": kind,
		"path": path.String(),
	}
	if doc != nil {
		write["doc"] = encodeDoc(doc)
	}
	return write
}

// field transforms ride the wire as tagged maps
func encodeDoc(doc Doc) map[string]any {
	out := make(map[string]any, len(doc))
	for field, value := range doc {
		out[field] = encodeDocValue(value)
	}
	return out
}

func encodeDocValue(value any) any {
	switch v := value.(type) {
	case incrementTransform:
		return map[string]any{"$increment": float64(v.n)}
	case arrayUnionTransform:
		return map[string]any{"$arrayUnion": toAnyList(v.values)}
	case arrayRemoveTransform:
		return map[string]any{"$arrayRemove": toAnyList(v.values)}
	case serverTimestampTransform:
		return map[string]any{"$serverTimestamp": true}
	case Doc:
		return encodeDoc(v)
	case []any:
		out := make([]any, len(v))
		for i, nested := range v {
			out[i] = encodeDocValue(nested)
		}
		return out
	default:
		return v
	}
}

func encodeQuery(query Query) map[string]any {
	wheres := []any{}
	for _, where := range query.Wheres {
		wheres = append(wheres, map[string]any{
			"field": where.Field,
			"op":    string(where.Op),
			"value": where.Value,
		})
	}
	return map[string]any{
		"collection": query.Collection,
		"wheres":     wheres,
	}
}

func toAnyList[T any](values []T) []any {
	out := make([]any, len(values))
	for i, value := range values {
		out[i] = value
	}
	return out
}

func parsePathString(pathStr string) Path {
	for i := len(pathStr) - 1; 0 <= i; i -= 1 {
		if pathStr[i] == '/' {
			return Path{Collection: pathStr[:i], DocId: pathStr[i+1:]}
		}
	}
	return Path{Collection: pathStr}
}

func decodeSnapshot(path Path, frame storeFrame) *DocumentSnapshot {
	snapshot := &DocumentSnapshot{
		Path: path,
	}
	if pathStr, ok := frame["path"].(string); ok {
		snapshot.Path = parsePathString(pathStr)
	}
	if exists, ok := frame["exists"].(bool); ok {
		snapshot.Exists = exists
	}
	if version, ok := frame["version"].(float64); ok {
		snapshot.Version = int64(version)
	}
	if data, ok := frame["data"].(map[string]any); ok {
		snapshot.Data = data
	}
	return snapshot
}

func decodeQuerySnapshot(query Query, frame storeFrame) *QuerySnapshot {
	querySnapshot := &QuerySnapshot{
		Query: query,
	}
	docs, _ := frame["docs"].([]any)
	for _, docValue := range docs {
		docFrame, ok := docValue.(map[string]any)
		if !ok {
			continue
		}
		querySnapshot.Docs = append(querySnapshot.Docs, decodeSnapshot(Path{}, docFrame))
	}
	return querySnapshot
}
