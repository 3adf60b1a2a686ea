// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/mxengine/lib/ref"
	"github.com/bureau-foundation/mxengine/lib/secret"
	"github.com/bureau-foundation/mxengine/transport"
)

// keyRequestTimeout is the server-side federation timeout sent with
// key queries and claims, in milliseconds.
const keyRequestTimeout = 10000

// HTTPClientConfig holds configuration for creating an HTTPClient.
type HTTPClientConfig struct {
	Client ClientConfig

	// Host is the homeserver authority, e.g. "matrix.example.org".
	Host string

	// TLS reports that the caller runs the connection over TLS.
	TLS bool

	// Framing selects HTTP/1.1 or HTTP/2. Zero means HTTP/1.1.
	Framing transport.Framing

	UserAgent       string
	MaxResponseSize int
}

// queuedResponse is a transport response waiting for NextResponse.
type queuedResponse struct {
	kind     RequestKind
	response transport.Response
}

// HTTPClient drives a Client over an HTTP connection it never opens
// itself. Each operation returns the request's ID and the bytes to
// write; the caller writes them and every DataToSend result to its
// socket, passes everything it reads to Receive, and calls NextResponse
// until it returns nil.
//
// HTTPClient is not safe for concurrent use.
type HTTPClient struct {
	*Client

	config     HTTPClientConfig
	connection transport.Connection
	tracker    *RequestTracker
	queue      []queuedResponse
	partial    *partialSync
}

// NewHTTPClient creates an unconnected HTTPClient.
func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	if config.Framing == 0 {
		config.Framing = transport.FramingHTTP1
	}
	client := NewClient(config.Client)
	return &HTTPClient{
		Client:  client,
		config:  config,
		tracker: NewRequestTracker(client.clock),
	}
}

// Connect starts a fresh connection codec. Requests in flight on a
// previous connection are forgotten.
func (c *HTTPClient) Connect() error {
	connection, err := transport.New(c.config.Framing, transport.Config{
		Host:            c.config.Host,
		TLS:             c.config.TLS,
		UserAgent:       c.config.UserAgent,
		MaxResponseSize: c.config.MaxResponseSize,
	})
	if err != nil {
		return fmt.Errorf("messaging: connecting: %w", err)
	}
	c.connection = connection
	c.tracker.Clear()
	c.queue = nil
	c.partial = nil
	c.logger.Debug("connection started", "host", c.config.Host, "framing", c.config.Framing)
	return nil
}

// Connected reports whether Connect was called since the last
// Disconnect.
func (c *HTTPClient) Connected() bool { return c.connection != nil }

// Framing reports the wire format requests are built for.
func (c *HTTPClient) Framing() transport.Framing { return c.config.Framing }

// Disconnect drops the connection codec, every pending request, every
// queued response, and any partial sync in progress.
func (c *HTTPClient) Disconnect() {
	if c.connection == nil {
		return
	}
	c.logger.Debug("connection dropped",
		"pending", c.tracker.Len(),
		"queued", len(c.queue),
	)
	c.connection = nil
	c.tracker.Clear()
	c.queue = nil
	c.partial = nil
}

// DataToSend drains bytes the connection produced on its own: the
// HTTP/2 preface, acknowledgements, and held-back request data.
func (c *HTTPClient) DataToSend() []byte {
	if c.connection == nil {
		return nil
	}
	return c.connection.DataToSend()
}

// Receive feeds bytes read from the socket. Completed responses are
// queued for NextResponse; their bodies are not parsed yet. A response
// whose ID no request registered fails with *UnknownRequestError after
// the others are queued.
func (c *HTTPClient) Receive(data []byte) error {
	if c.connection == nil {
		return ErrNotConnected
	}
	responses, err := c.connection.Receive(data)
	var unknown error
	for _, response := range responses {
		kind, ok := c.tracker.Lookup(response.ID)
		if !ok {
			if unknown == nil {
				unknown = &UnknownRequestError{ID: response.ID}
			}
			continue
		}
		c.queue = append(c.queue, queuedResponse{kind: kind, response: response})
	}
	if err != nil {
		return fmt.Errorf("messaging: receiving: %w", err)
	}
	return unknown
}

// Pending returns the number of requests awaiting a response.
func (c *HTTPClient) Pending() int { return c.tracker.Len() }

// Queued returns the number of responses received but not yet returned
// by NextResponse.
func (c *HTTPClient) Queued() int { return len(c.queue) }

// NextResponse builds, applies, and returns the next response in
// arrival order, or nil when none is queued. A partial sync in progress
// is continued before any queued response.
//
// A sync carrying more than maxEvents events is split into
// PartialSyncResponse chunks of at most maxEvents events, one per call;
// the sync cursor advances with the last. maxEvents of zero or less
// applies every sync whole.
func (c *HTTPClient) NextResponse(maxEvents int) (Response, error) {
	if c.partial != nil {
		return c.nextChunk()
	}
	if len(c.queue) == 0 {
		return nil, nil
	}
	item := c.queue[0]
	c.queue[0] = queuedResponse{}
	c.queue = c.queue[1:]

	response, err := c.tracker.Resolve(item.response.ID, item.response.Body, item.response.StatusCode)
	if err != nil {
		return nil, err
	}
	c.metrics.observeResponse(response.Info())

	if sync, ok := response.(*SyncResponse); ok && maxEvents > 0 &&
		sync.NextBatch != c.state.nextBatch && sync.EventCount() > maxEvents {
		c.partial = &partialSync{info: sync.ResponseInfo, chunks: splitSync(&sync.SyncPayload, maxEvents)}
		c.logger.Debug("splitting sync",
			"request_id", sync.ID,
			"events", sync.EventCount(),
			"chunks", len(c.partial.chunks),
		)
		return c.nextChunk()
	}

	if err := c.ReceiveResponse(response); err != nil {
		return nil, err
	}
	return response, nil
}

func (c *HTTPClient) nextChunk() (Response, error) {
	chunk := c.partial.take()
	if c.partial.done() {
		c.partial = nil
	}
	if err := c.ReceiveResponse(chunk); err != nil {
		// The cursor has not moved; the next sync resumes from it.
		c.partial = nil
		return nil, err
	}
	return chunk, nil
}

// request describes one outgoing request for send.
type request struct {
	kind          RequestKind
	method        string
	path          string
	query         url.Values
	body          any
	extra         any
	timeout       time.Duration
	authenticated bool
}

// send registers a request with the tracker and frames it.
func (c *HTTPClient) send(r request) (uuid.UUID, []byte, error) {
	var body []byte
	if r.body != nil {
		encoded, err := json.Marshal(r.body)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("messaging: encoding %s request: %w", r.kind, err)
		}
		body = encoded
	}
	target := r.path
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}
	header := make(http.Header)
	if r.authenticated {
		header.Set("Authorization", "Bearer "+c.state.bearerToken())
	}

	id := uuid.New()
	if err := c.tracker.Register(id, r.kind, r.extra, r.timeout); err != nil {
		return uuid.Nil, nil, err
	}
	data, err := c.connection.Encode(transport.Request{
		ID:      id,
		Method:  r.method,
		Target:  target,
		Header:  header,
		Body:    body,
		Timeout: r.timeout,
	})
	if err != nil {
		c.tracker.Forget(id)
		return uuid.Nil, nil, fmt.Errorf("messaging: framing %s request: %w", r.kind, err)
	}

	c.metrics.requestsBuilt.WithLabelValues(r.kind.String()).Inc()
	c.logger.Debug("request built",
		"kind", r.kind,
		"request_id", id,
		"method", r.method,
		"path", r.path,
	)
	return id, data, nil
}

// require runs preconditions in order and returns the first failure.
func (c *HTTPClient) require(checks ...func() error) error {
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (c *HTTPClient) requireConnection() error {
	if c.connection == nil {
		return ErrNotConnected
	}
	return nil
}

func (c *HTTPClient) authenticated(kind RequestKind, method, path string) request {
	return request{kind: kind, method: method, path: path, authenticated: true}
}

func roomPath(roomID ref.RoomID, rest ...string) string {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID.String())
	for _, segment := range rest {
		path += "/" + url.PathEscape(segment)
	}
	return path
}

func transactionID(txnID string) string {
	if txnID == "" {
		return uuid.NewString()
	}
	return txnID
}

// Login builds a password login request. user is a localpart or a full
// user ID. deviceID may be zero to let the server assign one.
func (c *HTTPClient) Login(user string, password *secret.Buffer, deviceID ref.DeviceID) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection); err != nil {
		return uuid.Nil, nil, err
	}
	if user == "" || password == nil {
		return uuid.Nil, nil, fmt.Errorf("messaging: login requires a user and a password")
	}
	body := LoginRequest{
		Type:                     "m.login.password",
		Identifier:               &UserIdentifier{Type: "m.id.user", User: user},
		Password:                 password.String(),
		InitialDeviceDisplayName: c.deviceDisplayName,
	}
	if !deviceID.IsZero() {
		body.DeviceID = deviceID.String()
	}
	return c.send(request{
		kind:   KindLogin,
		method: http.MethodPost,
		path:   "/_matrix/client/v3/login",
		body:   body,
	})
}

// Logout invalidates the access token.
func (c *HTTPClient) Logout() (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	r := c.authenticated(KindLogout, http.MethodPost, "/_matrix/client/v3/logout")
	r.body = struct{}{}
	return c.send(r)
}

// Sync builds a /sync request resuming from options.Since, or from the
// current cursor when Since is empty.
func (c *HTTPClient) Sync(options SyncOptions) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	query := url.Values{}
	since := options.Since
	if since == "" {
		since = c.state.nextBatch
	}
	if since != "" {
		query.Set("since", since)
	}
	if options.Timeout > 0 || options.SetTimeout {
		query.Set("timeout", strconv.FormatInt(options.Timeout.Milliseconds(), 10))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}
	if options.FullState {
		query.Set("full_state", "true")
	}
	if options.SetPresence != "" {
		query.Set("set_presence", options.SetPresence)
	}
	r := c.authenticated(KindSync, http.MethodGet, "/_matrix/client/v3/sync")
	r.query = query
	r.timeout = options.Timeout
	return c.send(r)
}

// RoomSend sends a message event. In an encrypted room the content is
// encrypted with the room's outbound group session, which must already
// be shared with the room's devices (see ShareGroupSession). txnID may
// be empty to generate one.
func (c *HTTPClient) RoomSend(roomID ref.RoomID, eventType ref.EventType, content map[string]any, txnID string) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	encrypted := c.state.IsRoomEncrypted(roomID)
	if encrypted {
		if err := c.requireCrypto(); err != nil {
			return uuid.Nil, nil, err
		}
		info, ok := c.crypto.OutboundGroupSession(roomID)
		if !ok || !info.Shared || info.Stale {
			return uuid.Nil, nil, fmt.Errorf("%w: %s", ErrGroupSessionNotShared, roomID)
		}
		ciphertext, err := c.crypto.GroupEncrypt(roomID, eventType, content)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("messaging: encrypting for %s: %w", roomID, err)
		}
		if err := c.persistCrypto(); err != nil {
			return uuid.Nil, nil, err
		}
		eventType = EventTypeEncrypted
		content = ciphertext
	}
	txnID = transactionID(txnID)
	r := c.authenticated(KindRoomSend, http.MethodPut, roomPath(roomID, "send", eventType.String(), txnID))
	r.body = content
	r.extra = roomSendExtra{RoomID: roomID, TransactionID: txnID, Encrypted: encrypted}
	return c.send(r)
}

// RoomPutState sets a state event.
func (c *HTTPClient) RoomPutState(roomID ref.RoomID, eventType ref.EventType, stateKey string, content any) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	path := roomPath(roomID, "state", eventType.String())
	if stateKey != "" {
		path += "/" + url.PathEscape(stateKey)
	}
	r := c.authenticated(KindRoomPutState, http.MethodPut, path)
	r.body = content
	r.extra = roomID
	return c.send(r)
}

// RoomRedact redacts an event.
func (c *HTTPClient) RoomRedact(roomID ref.RoomID, eventID ref.EventID, reason, txnID string) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	r := c.authenticated(KindRoomRedact, http.MethodPut,
		roomPath(roomID, "redact", eventID.String(), transactionID(txnID)))
	r.body = RedactRequest{Reason: reason}
	r.extra = roomID
	return c.send(r)
}

// RoomKick removes a user from a room. reason may be empty. The
// membership change reaches the state through a later sync.
func (c *HTTPClient) RoomKick(roomID ref.RoomID, userID ref.UserID, reason string) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	r := c.authenticated(KindRoomKick, http.MethodPost, roomPath(roomID, "kick"))
	r.body = KickRequest{UserID: userID, Reason: reason}
	r.extra = roomMemberExtra{RoomID: roomID, UserID: userID}
	return c.send(r)
}

// RoomInvite invites a user to a room.
func (c *HTTPClient) RoomInvite(roomID ref.RoomID, userID ref.UserID) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	r := c.authenticated(KindRoomInvite, http.MethodPost, roomPath(roomID, "invite"))
	r.body = InviteRequest{UserID: userID}
	r.extra = roomMemberExtra{RoomID: roomID, UserID: userID}
	return c.send(r)
}

// Join joins a room by ID or alias.
func (c *HTTPClient) Join(roomIDOrAlias string) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	if roomIDOrAlias == "" {
		return uuid.Nil, nil, fmt.Errorf("messaging: join requires a room ID or alias")
	}
	r := c.authenticated(KindJoin, http.MethodPost, "/_matrix/client/v3/join/"+url.PathEscape(roomIDOrAlias))
	r.body = struct{}{}
	return c.send(r)
}

// RoomLeave leaves a room. The room is removed from the state when the
// response is applied.
func (c *HTTPClient) RoomLeave(roomID ref.RoomID) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	r := c.authenticated(KindRoomLeave, http.MethodPost, roomPath(roomID, "leave"))
	r.body = struct{}{}
	r.extra = roomID
	return c.send(r)
}

// RoomCreate creates a room. The response carries the new room ID; the
// room itself appears in the state with the next sync.
func (c *HTTPClient) RoomCreate(create CreateRoomRequest) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	r := c.authenticated(KindRoomCreate, http.MethodPost, "/_matrix/client/v3/createRoom")
	r.body = create
	return c.send(r)
}

// RoomMessages fetches a page of room history. Encrypted events in the
// page are decrypted when the response is applied.
func (c *HTTPClient) RoomMessages(roomID ref.RoomID, options RoomMessagesOptions) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	query := url.Values{}
	direction := options.Direction
	if direction == "" {
		direction = "b"
	}
	query.Set("dir", direction)
	if options.From != "" {
		query.Set("from", options.From)
	}
	if options.To != "" {
		query.Set("to", options.To)
	}
	if options.Limit > 0 {
		query.Set("limit", strconv.Itoa(options.Limit))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}
	r := c.authenticated(KindRoomMessages, http.MethodGet, roomPath(roomID, "messages"))
	r.query = query
	r.extra = roomID
	return c.send(r)
}

// JoinedMembers fetches the joined members of a room. Applying the
// response fills in the room's membership, which group session sharing
// relies on.
func (c *HTTPClient) JoinedMembers(roomID ref.RoomID) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	r := c.authenticated(KindJoinedMembers, http.MethodGet, roomPath(roomID, "joined_members"))
	r.extra = roomID
	return c.send(r)
}

// Typing sets or clears the typing notification. timeout applies only
// when typing is true.
func (c *HTTPClient) Typing(roomID ref.RoomID, typing bool, timeout time.Duration) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	body := TypingRequest{Typing: typing}
	if typing {
		body.Timeout = timeout.Milliseconds()
	}
	r := c.authenticated(KindTyping, http.MethodPut, roomPath(roomID, "typing", c.state.userID.String()))
	r.body = body
	r.extra = roomID
	return c.send(r)
}

// ReadMarkers moves the fully-read marker and the read receipt. Either
// event ID may be zero.
func (c *HTTPClient) ReadMarkers(roomID ref.RoomID, fullyRead, read ref.EventID) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	r := c.authenticated(KindReadMarkers, http.MethodPost, roomPath(roomID, "read_markers"))
	r.body = ReadMarkersRequest{FullyRead: fullyRead, Read: read}
	r.extra = roomID
	return c.send(r)
}

// KeysUpload uploads the device keys and any new one-time keys.
func (c *HTTPClient) KeysUpload() (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin, c.requireCrypto); err != nil {
		return uuid.Nil, nil, err
	}
	upload, err := c.crypto.KeysForUpload()
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("messaging: preparing key upload: %w", err)
	}
	if err := c.persistCrypto(); err != nil {
		return uuid.Nil, nil, err
	}
	r := c.authenticated(KindKeysUpload, http.MethodPost, "/_matrix/client/v3/keys/upload")
	r.body = upload
	return c.send(r)
}

// KeysQuery queries the device keys of users. A nil users queries
// every tracked user whose device list is outdated, failing with
// ErrNoKeyQueryNeeded when there is none.
func (c *HTTPClient) KeysQuery(users []ref.UserID) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin, c.requireCrypto); err != nil {
		return uuid.Nil, nil, err
	}
	if users == nil {
		users = c.crypto.UsersNeedingKeyQuery()
	}
	if len(users) == 0 {
		return uuid.Nil, nil, ErrNoKeyQueryNeeded
	}
	deviceKeys := make(map[string][]string, len(users))
	for _, userID := range users {
		deviceKeys[userID.String()] = []string{}
	}
	r := c.authenticated(KindKeysQuery, http.MethodPost, "/_matrix/client/v3/keys/query")
	r.body = map[string]any{"device_keys": deviceKeys, "timeout": keyRequestTimeout}
	return c.send(r)
}

// KeysClaim claims one-time keys for every device of the room's
// members that lacks a pairwise session.
func (c *HTTPClient) KeysClaim(roomID ref.RoomID) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	missing, err := c.MissingSessions(roomID)
	if err != nil {
		return uuid.Nil, nil, err
	}
	if len(missing) == 0 {
		return uuid.Nil, nil, fmt.Errorf("%w: %s", ErrNoMissingSessions, roomID)
	}
	claims := make(map[string]map[string]string, len(missing))
	for userID, devices := range missing {
		perDevice := make(map[string]string, len(devices))
		for _, deviceID := range devices {
			perDevice[deviceID.String()] = "signed_curve25519"
		}
		claims[userID.String()] = perDevice
	}
	r := c.authenticated(KindKeysClaim, http.MethodPost, "/_matrix/client/v3/keys/claim")
	r.body = map[string]any{"one_time_keys": claims, "timeout": keyRequestTimeout}
	r.extra = roomID
	return c.send(r)
}

// ShareGroupSession sends the room's outbound group session key to the
// devices of its active members. With ignoreUnverified, devices of
// unset trust receive the key too; otherwise the crypto backend refuses
// the share while any member device is unverified. Blacklisted devices
// never receive it.
func (c *HTTPClient) ShareGroupSession(roomID ref.RoomID, ignoreUnverified bool) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	room, err := c.encryptedRoom(roomID)
	if err != nil {
		return uuid.Nil, nil, err
	}
	share, err := c.crypto.ShareGroupSession(roomID, room.ActiveMembers(), ignoreUnverified)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("messaging: sharing group session of %s: %w", roomID, err)
	}
	if err := c.persistCrypto(); err != nil {
		return uuid.Nil, nil, err
	}
	r := c.authenticated(KindShareGroupSession, http.MethodPut,
		"/_matrix/client/v3/sendToDevice/"+url.PathEscape(share.EventType.String())+"/"+url.PathEscape(uuid.NewString()))
	r.body = map[string]any{"messages": share.Messages}
	r.extra = share
	return c.send(r)
}

// ToDevice sends to-device messages. txnID may be empty.
func (c *HTTPClient) ToDevice(eventType ref.EventType, messages map[ref.UserID]map[ref.DeviceID]map[string]any, txnID string) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	txnID = transactionID(txnID)
	r := c.authenticated(KindToDevice, http.MethodPut,
		"/_matrix/client/v3/sendToDevice/"+url.PathEscape(eventType.String())+"/"+url.PathEscape(txnID))
	r.body = map[string]any{"messages": messages}
	r.extra = toDeviceExtra{EventType: eventType, TransactionID: txnID}
	return c.send(r)
}

// Devices lists the account's devices.
func (c *HTTPClient) Devices() (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	return c.send(c.authenticated(KindDevices, http.MethodGet, "/_matrix/client/v3/devices"))
}

// DeleteDevices deletes devices of the account. The first attempt is
// usually sent without auth and answered by a DeleteDevicesAuthResponse
// naming the flows to complete; resubmit with an auth dict.
func (c *HTTPClient) DeleteDevices(devices []ref.DeviceID, auth map[string]any) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	body := map[string]any{"devices": devices}
	if auth != nil {
		body["auth"] = auth
	}
	r := c.authenticated(KindDeleteDevices, http.MethodPost, "/_matrix/client/v3/delete_devices")
	r.body = body
	r.extra = devices
	return c.send(r)
}

// GetDisplayName fetches a user's profile display name. An unset name
// yields an empty DisplayName.
func (c *HTTPClient) GetDisplayName(userID ref.UserID) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	r := c.authenticated(KindGetDisplayName, http.MethodGet,
		"/_matrix/client/v3/profile/"+url.PathEscape(userID.String())+"/displayname")
	r.extra = userID
	return c.send(r)
}

// SetDisplayName sets the account's display name.
func (c *HTTPClient) SetDisplayName(displayName string) (uuid.UUID, []byte, error) {
	if err := c.require(c.requireConnection, c.requireLogin); err != nil {
		return uuid.Nil, nil, err
	}
	userID := c.state.userID
	r := c.authenticated(KindSetDisplayName, http.MethodPut,
		"/_matrix/client/v3/profile/"+url.PathEscape(userID.String())+"/displayname")
	r.body = DisplayNameRequest{DisplayName: displayName}
	r.extra = userID
	return c.send(r)
}
