// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memcrypto

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bureau-foundation/mxengine/lib/ref"
	"github.com/bureau-foundation/mxengine/lib/secret"
	"github.com/bureau-foundation/mxengine/messaging"
)

// Wire algorithm names.
const (
	AlgorithmPairwise = "org.mxengine.pairwise.v1"
	AlgorithmGroup    = "org.mxengine.group.v1"
)

const (
	// oneTimeKeyAlgorithm is the algorithm name of uploaded and
	// claimed one-time keys.
	oneTimeKeyAlgorithm = "signed_curve25519"

	// maxOneTimeKeys is the number of one-time keys kept on the
	// server. Uploads refill to this count once it drops below half.
	maxOneTimeKeys = 50
)

// Config holds the parameters for creating a Backend.
type Config struct {
	// Logger receives debug and warning lines. If nil, logs are
	// discarded.
	Logger *slog.Logger
}

// oneTimeKey is a generated one-time key. Published keys were handed
// to KeysForUpload; a claimed key is removed once it is used.
type oneTimeKey struct {
	private   [keySize]byte
	public    string
	published bool
}

// device is a device learned from a key query.
type device struct {
	displayName string
	identityKey string
	signingKey  string
	trust       messaging.TrustState
}

// Backend is an in-memory messaging.CryptoGateway.
type Backend struct {
	logger *slog.Logger

	userID   ref.UserID
	deviceID ref.DeviceID

	// identityKey is the curve25519 private scalar and signingSeed the
	// ed25519 seed, both in protected memory.
	identityKey   *secret.Buffer
	signingSeed   *secret.Buffer
	identityPub   string
	signingPublic ed25519.PublicKey

	oneTimeKeys         map[string]*oneTimeKey
	nextOneTimeKeyID    uint32
	deviceKeysPublished bool
	// serverKeyCount is the server's count of unclaimed one-time
	// keys, valid once countKnown is set.
	serverKeyCount int
	countKnown     bool

	devices map[ref.UserID]map[ref.DeviceID]*device
	// tracked maps a tracked user to whether their device list is
	// outdated.
	tracked map[ref.UserID]bool

	// outboundPairwise holds the session used to send to a peer
	// identity key; inboundPairwise holds every session a peer
	// opened with us, by session id.
	outboundPairwise map[string]*pairwiseSession
	inboundPairwise  map[string]*pairwiseSession

	outbound map[ref.RoomID]*outboundSession
	inbound  map[inboundKey]*[keySize]byte
}

// New creates a Backend with fresh identity keys.
func New(cfg Config) (*Backend, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	backend := newEmpty(logger)

	identityPrivate, identityPublic, err := generateCurveKey()
	if err != nil {
		return nil, err
	}
	seed, err := randomKey()
	if err != nil {
		return nil, err
	}
	if err := backend.setIdentity(identityPrivate[:], encodeKey(identityPublic), seed[:]); err != nil {
		return nil, err
	}
	return backend, nil
}

func newEmpty(logger *slog.Logger) *Backend {
	return &Backend{
		logger:           logger,
		oneTimeKeys:      make(map[string]*oneTimeKey),
		devices:          make(map[ref.UserID]map[ref.DeviceID]*device),
		tracked:          make(map[ref.UserID]bool),
		outboundPairwise: make(map[string]*pairwiseSession),
		inboundPairwise:  make(map[string]*pairwiseSession),
		outbound:         make(map[ref.RoomID]*outboundSession),
		inbound:          make(map[inboundKey]*[keySize]byte),
	}
}

// setIdentity moves the identity scalar and signing seed into
// protected memory. Both source slices are zeroed.
func (b *Backend) setIdentity(identityPrivate []byte, identityPublic string, seed []byte) error {
	identityKey, err := secret.NewFromBytes(identityPrivate)
	if err != nil {
		return fmt.Errorf("memcrypto: protecting identity key: %w", err)
	}
	signingSeed, err := secret.NewFromBytes(seed)
	if err != nil {
		identityKey.Close()
		return fmt.Errorf("memcrypto: protecting signing key: %w", err)
	}
	b.closeIdentity()
	b.identityKey = identityKey
	b.signingSeed = signingSeed
	b.identityPub = identityPublic
	private := ed25519.NewKeyFromSeed(signingSeed.Bytes())
	b.signingPublic = ed25519.PublicKey(slices.Clone(private[ed25519.SeedSize:]))
	secret.Zero(private)
	return nil
}

func (b *Backend) closeIdentity() {
	if b.identityKey != nil {
		b.identityKey.Close()
		b.identityKey = nil
	}
	if b.signingSeed != nil {
		b.signingSeed.Close()
		b.signingSeed = nil
	}
}

// Close releases the protected key memory. The Backend is unusable
// afterwards.
func (b *Backend) Close() {
	b.closeIdentity()
}

// IdentityKey returns the device's curve25519 key, unpadded base64.
func (b *Backend) IdentityKey() string { return b.identityPub }

// SigningKey returns the device's ed25519 key, unpadded base64.
func (b *Backend) SigningKey() string { return encodeKey(b.signingPublic) }

// Fingerprint returns the fingerprint of the device's signing key.
func (b *Backend) Fingerprint() string { return Fingerprint(b.SigningKey()) }

func (b *Backend) Bind(userID ref.UserID, deviceID ref.DeviceID) error {
	if !b.userID.IsZero() && (b.userID != userID || b.deviceID != deviceID) {
		return fmt.Errorf("memcrypto: %w: state belongs to %s/%s", messaging.ErrIdentityMismatch, b.userID, b.deviceID)
	}
	b.userID = userID
	b.deviceID = deviceID
	return nil
}

// Reset replaces every key and session with a fresh unbound identity.
// On error the Backend is unchanged.
func (b *Backend) Reset() error {
	fresh, err := New(Config{Logger: b.logger})
	if err != nil {
		return err
	}
	b.closeIdentity()
	*b = *fresh
	b.logger.Debug("crypto state reset")
	return nil
}

func (b *Backend) sign(message []byte) string {
	private := ed25519.NewKeyFromSeed(b.signingSeed.Bytes())
	defer secret.Zero(private)
	return encodeKey(ed25519.Sign(private, message))
}

// signatures returns a Matrix signatures object holding this device's
// signature over canonical JSON of v.
func (b *Backend) signatures(v any) (map[string]map[string]string, error) {
	canonical, err := canonicalJSON(v)
	if err != nil {
		return nil, fmt.Errorf("memcrypto: canonical JSON: %w", err)
	}
	return map[string]map[string]string{
		b.userID.String(): {"ed25519:" + b.deviceID.String(): b.sign(canonical)},
	}, nil
}

// verifySignature checks the signature of userID's deviceID over
// canonical JSON of v with an encoded ed25519 key.
func verifySignature(v any, signatures map[string]map[string]string, userID ref.UserID, deviceID ref.DeviceID, signingKey string) error {
	signature, ok := signatures[userID.String()]["ed25519:"+deviceID.String()]
	if !ok {
		return fmt.Errorf("no signature by %s/%s", userID, deviceID)
	}
	public, err := decodeKey(signingKey)
	if err != nil || len(public) != ed25519.PublicKeySize {
		return fmt.Errorf("malformed ed25519 key of %s/%s", userID, deviceID)
	}
	decoded, err := decodeKey(signature)
	if err != nil {
		return fmt.Errorf("malformed signature by %s/%s", userID, deviceID)
	}
	canonical, err := canonicalJSON(v)
	if err != nil {
		return fmt.Errorf("canonical JSON: %w", err)
	}
	if !ed25519.Verify(public, canonical, decoded) {
		return fmt.Errorf("bad signature by %s/%s", userID, deviceID)
	}
	return nil
}

func (b *Backend) requireBound() error {
	if b.userID.IsZero() {
		return fmt.Errorf("memcrypto: no account bound")
	}
	return nil
}

func (b *Backend) ShouldUploadKeys() bool {
	if !b.deviceKeysPublished {
		return true
	}
	return b.countKnown && b.serverKeyCount < maxOneTimeKeys/2
}

// KeysForUpload returns the signed device keys until they were handed
// out once, and signed one-time keys topping the server up to
// maxOneTimeKeys. Returned keys count as published.
func (b *Backend) KeysForUpload() (messaging.KeysUploadRequest, error) {
	if err := b.requireBound(); err != nil {
		return messaging.KeysUploadRequest{}, err
	}
	var upload messaging.KeysUploadRequest

	if !b.deviceKeysPublished {
		deviceKeys := &messaging.DeviceKeys{
			UserID:     b.userID,
			DeviceID:   b.deviceID,
			Algorithms: []string{AlgorithmPairwise, AlgorithmGroup},
			Keys: map[string]string{
				"curve25519:" + b.deviceID.String(): b.identityPub,
				"ed25519:" + b.deviceID.String():    b.SigningKey(),
			},
		}
		signatures, err := b.signatures(deviceKeys)
		if err != nil {
			return messaging.KeysUploadRequest{}, err
		}
		deviceKeys.Signatures = signatures
		upload.DeviceKeys = deviceKeys
	}

	onServer := 0
	if b.countKnown {
		onServer = b.serverKeyCount
	}
	needed := maxOneTimeKeys - onServer
	if needed > 0 {
		upload.OneTimeKeys = make(map[string]messaging.OneTimeKey, needed)
	}
	for range needed {
		keyID, key, err := b.generateOneTimeKey()
		if err != nil {
			return messaging.KeysUploadRequest{}, err
		}
		signatures, err := b.signatures(map[string]any{"key": key.public})
		if err != nil {
			return messaging.KeysUploadRequest{}, err
		}
		upload.OneTimeKeys[keyID] = messaging.OneTimeKey{Key: key.public, Signatures: signatures}
		key.published = true
	}

	b.deviceKeysPublished = true
	b.serverKeyCount = max(onServer, maxOneTimeKeys)
	b.countKnown = true
	b.logger.Debug("prepared key upload",
		"user_id", b.userID,
		"device_id", b.deviceID,
		"one_time_keys", len(upload.OneTimeKeys),
	)
	return upload, nil
}

func (b *Backend) generateOneTimeKey() (string, *oneTimeKey, error) {
	private, public, err := generateCurveKey()
	if err != nil {
		return "", nil, err
	}
	b.nextOneTimeKeyID++
	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], b.nextOneTimeKeyID)
	keyID := oneTimeKeyAlgorithm + ":" + encodeKey(counter[:])
	key := &oneTimeKey{private: private, public: encodeKey(public)}
	b.oneTimeKeys[keyID] = key
	return keyID, key, nil
}

func (b *Backend) UpdateOneTimeKeyCounts(counts map[string]int) {
	b.serverKeyCount = counts[oneTimeKeyAlgorithm]
	b.countKnown = true
}

func sortUserIDs(users []ref.UserID) {
	slices.SortFunc(users, func(a, b ref.UserID) int {
		return strings.Compare(a.String(), b.String())
	})
}

func sortDeviceIDs(devices []ref.DeviceID) {
	slices.SortFunc(devices, func(a, b ref.DeviceID) int {
		return strings.Compare(a.String(), b.String())
	})
}
