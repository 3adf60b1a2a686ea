// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/mxengine/lib/config"
	"github.com/bureau-foundation/mxengine/lib/memcrypto"
	"github.com/bureau-foundation/mxengine/lib/ref"
	"github.com/bureau-foundation/mxengine/lib/secret"
	"github.com/bureau-foundation/mxengine/lib/version"
	"github.com/bureau-foundation/mxengine/messaging"
	"github.com/bureau-foundation/mxengine/transport"
)

const (
	// requestTimeout bounds the wait for a response to anything but a
	// long-polling sync.
	requestTimeout = 30 * time.Second

	// syncSlack is added to the sync long-poll timeout before a read is
	// abandoned.
	syncSlack = 15 * time.Second

	// retryDelay is the pause after a failed sync or a lost connection
	// when the server names no delay of its own.
	retryDelay = 5 * time.Second

	readBufferSize = 64 << 10
)

// driverConfig carries what runDriver needs from main.
type driverConfig struct {
	config *config.Config

	// store is nil to keep session state in memory.
	store messaging.Store

	logger *slog.Logger

	// output receives one JSON object per timeline event.
	output io.Writer

	// password is called only when no stored session can be restored.
	password func() (*secret.Buffer, error)

	// once stops the loop after the first successful sync.
	once bool

	// retryDelay overrides the default pause between failed syncs.
	retryDelay time.Duration
}

// connectionError marks a failure of the socket itself. The sync loop
// reconnects after one; every other error ends the run.
type connectionError struct {
	err error
}

func (e *connectionError) Error() string { return e.err.Error() }
func (e *connectionError) Unwrap() error { return e.err }

// driver pumps bytes between one connection and the engine.
type driver struct {
	client    *messaging.HTTPClient
	dialer    transport.Dialer
	endpoint  transport.Endpoint
	conn      net.Conn
	logger    *slog.Logger
	output    *json.Encoder
	maxEvents int
	buffer    []byte

	// stopCancel undoes the context hook that unblocks conn on
	// cancellation.
	stopCancel func() bool
}

// timelineLine is one line of output.
type timelineLine struct {
	RoomID            ref.RoomID      `json:"room_id"`
	Event             messaging.Event `json:"event"`
	Decrypted         bool            `json:"decrypted,omitempty"`
	DecryptionFailure string          `json:"decryption_failure,omitempty"`
}

// runDriver connects, logs in or restores the stored session, and
// syncs until ctx is cancelled.
func runDriver(ctx context.Context, cfg driverConfig) error {
	logger := cfg.logger
	endpoint, err := transport.ParseEndpoint(cfg.config.Homeserver.URL)
	if err != nil {
		return err
	}
	requested, err := transport.ParseFraming(string(cfg.config.Homeserver.Framing))
	if err != nil {
		return err
	}
	syncTimeout, err := cfg.config.SyncTimeout()
	if err != nil {
		return err
	}

	crypto, err := memcrypto.New(memcrypto.Config{Logger: logger.With("component", "memcrypto")})
	if err != nil {
		return err
	}
	defer crypto.Close()

	d := &driver{
		dialer:    transport.Dialer{Timeout: requestTimeout},
		endpoint:  endpoint,
		logger:    logger,
		output:    json.NewEncoder(cfg.output),
		maxEvents: cfg.config.Sync.MaxEvents,
		buffer:    make([]byte, readBufferSize),
	}
	framing, err := d.dial(ctx, requested)
	if err != nil {
		return err
	}
	defer d.closeConn()

	d.client = messaging.NewHTTPClient(messaging.HTTPClientConfig{
		Client: messaging.ClientConfig{
			Logger:            logger.With("component", "messaging"),
			Crypto:            crypto,
			Store:             cfg.store,
			DeviceDisplayName: cfg.config.Account.DeviceDisplayName,
		},
		Host:      endpoint.Host,
		TLS:       endpoint.TLS,
		Framing:   framing,
		UserAgent: version.UserAgent("mxengine"),
	})
	defer d.client.Close()
	if err := d.client.Connect(); err != nil {
		return err
	}

	restored, err := d.client.RestoreFromStore()
	if err != nil {
		return err
	}
	if restored {
		logger.Info("restored session",
			"user_id", d.client.State().UserID(),
			"device_id", d.client.State().DeviceID(),
			"next_batch", d.client.State().NextBatch(),
		)
	} else if err := d.login(ctx, cfg.config.Account, cfg.password); err != nil {
		return err
	}
	logger.Info("device identity",
		"identity_key", crypto.IdentityKey(),
		"fingerprint", crypto.Fingerprint(),
	)

	delay := cfg.retryDelay
	if delay == 0 {
		delay = retryDelay
	}
	return d.syncLoop(ctx, messaging.SyncOptions{
		Timeout:     syncTimeout,
		SetTimeout:  true,
		FullState:   cfg.config.Sync.FullState,
		SetPresence: cfg.config.Sync.SetPresence,
	}, cfg.once, delay)
}

// dial opens the connection and returns the framing the server
// accepted.
func (d *driver) dial(ctx context.Context, framing transport.Framing) (transport.Framing, error) {
	conn, negotiated, err := d.dialer.DialContext(ctx, d.endpoint, framing)
	if err != nil {
		return 0, fmt.Errorf("connecting to %s: %w", d.endpoint.Address, err)
	}
	d.conn = conn
	d.stopCancel = context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	d.logger.Info("connected", "address", d.endpoint.Address, "tls", d.endpoint.TLS, "framing", negotiated)
	return negotiated, nil
}

func (d *driver) closeConn() {
	if d.conn == nil {
		return
	}
	d.stopCancel()
	d.conn.Close()
	d.conn = nil
}

// reconnect replaces a broken connection, retrying every delay until a
// dial succeeds or ctx is cancelled. The engine forgets every request
// that was in flight on the old connection.
func (d *driver) reconnect(ctx context.Context, delay time.Duration) error {
	d.closeConn()
	for {
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		framing, err := d.dial(ctx, d.client.Framing())
		if err != nil {
			d.logger.Warn("reconnect failed", "error", err, "retry_in", delay)
			continue
		}
		if framing != d.client.Framing() {
			return fmt.Errorf("server switched from %s to %s on reconnect", d.client.Framing(), framing)
		}
		return d.client.Connect()
	}
}

func (d *driver) login(ctx context.Context, account config.AccountConfig, readPassword func() (*secret.Buffer, error)) error {
	var deviceID ref.DeviceID
	if account.DeviceID != "" {
		parsed, err := ref.ParseDeviceID(account.DeviceID)
		if err != nil {
			return fmt.Errorf("account.device_id: %w", err)
		}
		deviceID = parsed
	}
	password, err := readPassword()
	if err != nil {
		return err
	}
	id, data, err := d.client.Login(account.UserID, password, deviceID)
	password.Close()
	if err != nil {
		return err
	}
	response, err := d.exchange(ctx, id, data, requestTimeout)
	if err != nil {
		return err
	}
	if failure, ok := response.(*messaging.ErrorResponse); ok {
		return fmt.Errorf("logging in as %s: %w", account.UserID, failure.Err)
	}
	d.logger.Info("logged in",
		"user_id", d.client.State().UserID(),
		"device_id", d.client.State().DeviceID(),
	)
	return nil
}

// syncLoop syncs until ctx is cancelled, keeping the device's keys
// published and its view of other devices current in between.
func (d *driver) syncLoop(ctx context.Context, options messaging.SyncOptions, once bool, delay time.Duration) error {
	wait := options.Timeout + syncSlack
	for {
		err := d.maintainKeys(ctx)
		var response messaging.Response
		if err == nil {
			var id uuid.UUID
			var data []byte
			id, data, err = d.client.Sync(options)
			if err != nil {
				return err
			}
			response, err = d.exchange(ctx, id, data, wait)
		}
		if ctx.Err() != nil {
			return nil
		}

		var connErr *connectionError
		var malformed *messaging.MalformedResponseError
		switch {
		case errors.As(err, &connErr):
			d.logger.Warn("connection lost", "error", err)
			if err := d.reconnect(ctx, delay); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			continue
		case errors.As(err, &malformed):
			d.logger.Warn("discarded malformed sync response", "error", err)
			if err := sleep(ctx, delay); err != nil {
				return nil
			}
			continue
		case err != nil:
			return err
		}

		if failure, ok := response.(*messaging.ErrorResponse); ok {
			if failure.Err.Code == messaging.ErrCodeUnknownToken || failure.Err.Code == messaging.ErrCodeForbidden {
				return fmt.Errorf("sync: %w", failure.Err)
			}
			pause := delay
			if failure.Err.RetryAfterMS > 0 {
				pause = time.Duration(failure.Err.RetryAfterMS) * time.Millisecond
			}
			d.logger.Warn("sync failed", "error", failure.Err, "retry_in", pause)
			if err := sleep(ctx, pause); err != nil {
				return nil
			}
			continue
		}

		if once {
			return nil
		}
		// Full state is wanted once; later syncs carry only changes.
		options.FullState = false
	}
}

// maintainKeys uploads keys the server lacks and refreshes outdated
// device lists. Server-side failures are logged and retried on the next
// round.
func (d *driver) maintainKeys(ctx context.Context) error {
	if d.client.ShouldUploadKeys() {
		id, data, err := d.client.KeysUpload()
		if err != nil {
			return err
		}
		response, err := d.exchange(ctx, id, data, requestTimeout)
		if err != nil {
			return err
		}
		if failure, ok := response.(*messaging.ErrorResponse); ok {
			d.logger.Warn("key upload failed", "error", failure.Err)
		}
	}
	if d.client.ShouldQueryKeys() {
		id, data, err := d.client.KeysQuery(nil)
		if err != nil {
			return err
		}
		response, err := d.exchange(ctx, id, data, requestTimeout)
		if err != nil {
			return err
		}
		if failure, ok := response.(*messaging.ErrorResponse); ok {
			d.logger.Warn("key query failed", "error", failure.Err)
		}
	}
	return nil
}

// exchange writes a request and pumps the connection until the
// request's response has been applied. For a split sync that is the
// last chunk; every chunk is printed on the way.
func (d *driver) exchange(ctx context.Context, id uuid.UUID, data []byte, wait time.Duration) (messaging.Response, error) {
	if err := d.write(d.client.DataToSend()); err != nil {
		return nil, err
	}
	if err := d.write(data); err != nil {
		return nil, err
	}
	for {
		if err := d.write(d.client.DataToSend()); err != nil {
			return nil, err
		}
		response, err := d.client.NextResponse(d.maxEvents)
		if err != nil {
			return nil, err
		}
		if response == nil {
			if err := d.read(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		info := response.Info()
		d.logger.Debug("response applied",
			"kind", info.Kind,
			"status", info.StatusCode,
			"elapsed", info.Elapsed(),
		)
		if err := d.print(response); err != nil {
			return nil, err
		}
		if info.ID != id {
			continue
		}
		if partial, ok := response.(*messaging.PartialSyncResponse); ok && partial.More {
			continue
		}
		return response, nil
	}
}

func (d *driver) write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := d.conn.Write(data); err != nil {
		return &connectionError{err: fmt.Errorf("writing to homeserver: %w", err)}
	}
	return nil
}

// read performs one read and feeds the bytes to the engine.
func (d *driver) read(ctx context.Context, wait time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return &connectionError{err: err}
	}
	n, readErr := d.conn.Read(d.buffer)
	if n > 0 {
		if err := d.client.Receive(d.buffer[:n]); err != nil {
			var unknown *messaging.UnknownRequestError
			if !errors.As(err, &unknown) {
				return &connectionError{err: err}
			}
			d.logger.Warn("response to an unknown request", "request_id", unknown.ID)
		}
	}
	if readErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &connectionError{err: fmt.Errorf("reading from homeserver: %w", readErr)}
	}
	return nil
}

// print writes the timeline events of a sync or sync chunk to the
// output, rooms in ID order.
func (d *driver) print(response messaging.Response) error {
	var payload *messaging.SyncPayload
	switch response := response.(type) {
	case *messaging.SyncResponse:
		payload = &response.SyncPayload
	case *messaging.PartialSyncResponse:
		payload = &response.SyncPayload
	default:
		return nil
	}

	roomIDs := make([]ref.RoomID, 0, len(payload.Rooms.Join))
	for roomID := range payload.Rooms.Join {
		roomIDs = append(roomIDs, roomID)
	}
	slices.SortFunc(roomIDs, func(a, b ref.RoomID) int {
		return strings.Compare(a.String(), b.String())
	})
	for _, roomID := range roomIDs {
		for _, event := range payload.Rooms.Join[roomID].Timeline.Events {
			line := timelineLine{
				RoomID:            roomID,
				Event:             event,
				Decrypted:         event.Decrypted,
				DecryptionFailure: event.DecryptionFailure,
			}
			if err := d.output.Encode(line); err != nil {
				return fmt.Errorf("writing timeline: %w", err)
			}
		}
	}
	return nil
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
