package storage

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/idsvr/idsvr/internal/util"
)

// Grant type discriminators used in the PersistedGrant envelope.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "device_code"
	GrantTypeUserCode          = "user_code"
	GrantTypeReferenceToken    = "reference_token"
)

const keySeparator = ":"

// HashedKey computes the storage key for a raw handle: the base64-encoded
// sha256 of "value:grantType". The type salt prevents identical raw values of
// different grant types from colliding.
func HashedKey(value, grantType string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value + keySeparator + grantType))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// grantStore implements the shared persistence pattern behind the typed code,
// refresh token, device code and reference token stores: generate a random
// handle, key the envelope by the type-salted hash of the handle, and reject
// retrievals whose stored Type does not match the expected grant type.
type grantStore struct {
	grantType string
	store     PersistedGrantStore
	handles   HandleGenerator
	logger    *slog.Logger
}

func newGrantStore(grantType string, store PersistedGrantStore, handles HandleGenerator, logger *slog.Logger) grantStore {
	if logger == nil {
		logger = slog.Default()
	}
	return grantStore{
		grantType: grantType,
		store:     store,
		handles:   handles,
		logger:    logger,
	}
}

func (g *grantStore) hashedKey(value string) string {
	return HashedKey(value, g.grantType)
}

// getItem retrieves and deserializes the payload for a raw handle. A stored
// envelope whose Type field does not match the expected grant type is treated
// as not found, even though the hash itself is type-salted.
func (g *grantStore) getItem(ctx context.Context, handle string, item any) (*PersistedGrant, error) {
	grant, err := g.store.Get(ctx, g.hashedKey(handle))
	if err != nil {
		g.logger.Debug("grant not found in store",
			"grant_type", g.grantType,
			"handle_prefix", util.SafeTruncate(handle, 8))
		return nil, err
	}
	if grant.Type != g.grantType {
		g.logger.Debug("grant type mismatch in store", "expected", g.grantType, "actual", grant.Type)
		return nil, ErrNotFound
	}
	if err := json.Unmarshal([]byte(grant.Data), item); err != nil {
		return nil, fmt.Errorf("failed to deserialize %s grant: %w", g.grantType, err)
	}
	return grant, nil
}

// createItem generates a fresh handle, persists the envelope and returns the
// raw handle.
func (g *grantStore) createItem(ctx context.Context, item any, clientID, subjectID, sessionID, description string, created time.Time, lifetime int) (string, error) {
	handle, err := g.handles.Generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate %s handle: %w", g.grantType, err)
	}
	if err := g.storeItem(ctx, handle, item, clientID, subjectID, sessionID, description, created, created.Add(time.Duration(lifetime)*time.Second)); err != nil {
		return "", err
	}
	return handle, nil
}

func (g *grantStore) storeItem(ctx context.Context, handle string, item any, clientID, subjectID, sessionID, description string, created, expiration time.Time) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to serialize %s grant: %w", g.grantType, err)
	}

	grant := &PersistedGrant{
		Key:          g.hashedKey(handle),
		Type:         g.grantType,
		ClientID:     clientID,
		SubjectID:    subjectID,
		SessionID:    sessionID,
		Description:  description,
		CreationTime: created,
		Expiration:   expiration,
		Data:         string(data),
	}

	return g.store.Store(ctx, grant)
}

// consumeItem atomically marks the grant consumed, returning the payload to
// exactly one caller.
func (g *grantStore) consumeItem(ctx context.Context, handle string, at time.Time, item any) error {
	grant, err := g.store.MarkConsumed(ctx, g.hashedKey(handle), at)
	if err != nil {
		return err
	}
	if grant.Type != g.grantType {
		return ErrNotFound
	}
	if err := json.Unmarshal([]byte(grant.Data), item); err != nil {
		return fmt.Errorf("failed to deserialize %s grant: %w", g.grantType, err)
	}
	return nil
}

// removeItem deletes the grant. Idempotent.
func (g *grantStore) removeItem(ctx context.Context, handle string) error {
	return g.store.Remove(ctx, g.hashedKey(handle))
}

// AuthorizationCodeStore persists authorization codes as opaque handles.
type AuthorizationCodeStore struct {
	grantStore
}

// NewAuthorizationCodeStore creates an authorization code store on top of the
// generic persisted grant store.
func NewAuthorizationCodeStore(store PersistedGrantStore, handles HandleGenerator, logger *slog.Logger) *AuthorizationCodeStore {
	return &AuthorizationCodeStore{newGrantStore(GrantTypeAuthorizationCode, store, handles, logger)}
}

// Store persists the code and returns its raw handle.
func (s *AuthorizationCodeStore) Store(ctx context.Context, code *AuthorizationCode) (string, error) {
	subjectID := ""
	if code.Subject != nil {
		subjectID = code.Subject.ID
	}
	return s.createItem(ctx, code, code.ClientID, subjectID, code.SessionID, code.Description, code.CreationTime, code.Lifetime)
}

// Get returns the code payload for a handle, or ErrNotFound.
func (s *AuthorizationCodeStore) Get(ctx context.Context, handle string) (*AuthorizationCode, error) {
	var code AuthorizationCode
	if _, err := s.getItem(ctx, handle, &code); err != nil {
		return nil, err
	}
	return &code, nil
}

// Consume atomically redeems the code. The second of two concurrent
// redemptions gets ErrNotFound.
func (s *AuthorizationCodeStore) Consume(ctx context.Context, handle string, at time.Time) (*AuthorizationCode, error) {
	var code AuthorizationCode
	if err := s.consumeItem(ctx, handle, at, &code); err != nil {
		return nil, err
	}
	return &code, nil
}

// Remove deletes the code. Idempotent.
func (s *AuthorizationCodeStore) Remove(ctx context.Context, handle string) error {
	return s.removeItem(ctx, handle)
}

// RefreshTokenStore persists refresh tokens as opaque handles.
type RefreshTokenStore struct {
	grantStore
}

// NewRefreshTokenStore creates a refresh token store on top of the generic
// persisted grant store.
func NewRefreshTokenStore(store PersistedGrantStore, handles HandleGenerator, logger *slog.Logger) *RefreshTokenStore {
	return &RefreshTokenStore{newGrantStore(GrantTypeRefreshToken, store, handles, logger)}
}

// Store persists the refresh token and returns its raw handle.
func (s *RefreshTokenStore) Store(ctx context.Context, token *RefreshToken) (string, error) {
	subjectID := ""
	if token.Subject != nil {
		subjectID = token.Subject.ID
	}
	return s.createItem(ctx, token, token.ClientID, subjectID, token.SessionID, token.Description, token.CreationTime, token.Lifetime)
}

// Get returns the refresh token payload for a handle, or ErrNotFound.
func (s *RefreshTokenStore) Get(ctx context.Context, handle string) (*RefreshToken, error) {
	var token RefreshToken
	if _, err := s.getItem(ctx, handle, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Consume atomically claims the token for redemption. Used with one-time-use
// rotation so two concurrent refreshes cannot both succeed.
func (s *RefreshTokenStore) Consume(ctx context.Context, handle string, at time.Time) (*RefreshToken, error) {
	var token RefreshToken
	if err := s.consumeItem(ctx, handle, at, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Update rewrites the payload behind an existing handle, preserving the
// original expiration window. Used by the reuse policy.
func (s *RefreshTokenStore) Update(ctx context.Context, handle string, token *RefreshToken) error {
	subjectID := ""
	if token.Subject != nil {
		subjectID = token.Subject.ID
	}
	expiration := token.CreationTime.Add(time.Duration(token.Lifetime) * time.Second)
	return s.storeItem(ctx, handle, token, token.ClientID, subjectID, token.SessionID, token.Description, token.CreationTime, expiration)
}

// Remove deletes the refresh token. Idempotent.
func (s *RefreshTokenStore) Remove(ctx context.Context, handle string) error {
	return s.removeItem(ctx, handle)
}

// RemoveAll deletes every refresh token for a subject/client pair.
func (s *RefreshTokenStore) RemoveAll(ctx context.Context, subjectID, clientID string) error {
	return s.store.RemoveAll(ctx, PersistedGrantFilter{
		SubjectID: subjectID,
		ClientID:  clientID,
		Type:      s.grantType,
	})
}

// ReferenceTokenStore persists reference access tokens as opaque handles.
type ReferenceTokenStore struct {
	grantStore
}

// NewReferenceTokenStore creates a reference token store on top of the
// generic persisted grant store.
func NewReferenceTokenStore(store PersistedGrantStore, handles HandleGenerator, logger *slog.Logger) *ReferenceTokenStore {
	return &ReferenceTokenStore{newGrantStore(GrantTypeReferenceToken, store, handles, logger)}
}

// Store persists the token and returns its raw handle.
func (s *ReferenceTokenStore) Store(ctx context.Context, token *ReferenceToken) (string, error) {
	clientID := ""
	subjectID := ""
	lifetime := 0
	created := time.Time{}
	if token.Token != nil {
		clientID = token.Token.ClientID
		subjectID = token.Token.SubjectID()
		lifetime = token.Token.Lifetime
		created = token.Token.CreationTime
	}
	return s.createItem(ctx, token, clientID, subjectID, "", "", created, lifetime)
}

// Get returns the token payload for a handle, or ErrNotFound.
func (s *ReferenceTokenStore) Get(ctx context.Context, handle string) (*ReferenceToken, error) {
	var token ReferenceToken
	if _, err := s.getItem(ctx, handle, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Remove deletes the token. Idempotent.
func (s *ReferenceTokenStore) Remove(ctx context.Context, handle string) error {
	return s.removeItem(ctx, handle)
}

// DeviceCodeStore persists device flow codes. Each authorization is stored
// twice: the authoritative payload under the device code, and a pointer
// envelope under the user code so the verification UI can find the payload
// from what the user types in.
type DeviceCodeStore struct {
	deviceCodes grantStore
	userCodes   grantStore
}

// userCodePointer is the payload of the user_code envelope.
type userCodePointer struct {
	DeviceCode string `json:"device_code"`
}

// NewDeviceCodeStore creates a device code store on top of the generic
// persisted grant store.
func NewDeviceCodeStore(store PersistedGrantStore, handles HandleGenerator, logger *slog.Logger) *DeviceCodeStore {
	return &DeviceCodeStore{
		deviceCodes: newGrantStore(GrantTypeDeviceCode, store, handles, logger),
		userCodes:   newGrantStore(GrantTypeUserCode, store, handles, logger),
	}
}

// Store persists a new device authorization under both codes.
func (s *DeviceCodeStore) Store(ctx context.Context, deviceCode, userCode string, data *DeviceCode) error {
	subjectID := ""
	if data.Subject != nil {
		subjectID = data.Subject.ID
	}
	expiration := data.CreationTime.Add(time.Duration(data.Lifetime) * time.Second)

	if err := s.deviceCodes.storeItem(ctx, deviceCode, data, data.ClientID, subjectID, data.SessionID, data.Description, data.CreationTime, expiration); err != nil {
		return err
	}
	pointer := userCodePointer{DeviceCode: deviceCode}
	return s.userCodes.storeItem(ctx, userCode, pointer, data.ClientID, subjectID, data.SessionID, data.Description, data.CreationTime, expiration)
}

// FindByDeviceCode returns the authorization for a device code, or ErrNotFound.
func (s *DeviceCodeStore) FindByDeviceCode(ctx context.Context, deviceCode string) (*DeviceCode, error) {
	var data DeviceCode
	if _, err := s.deviceCodes.getItem(ctx, deviceCode, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// FindByUserCode returns the authorization for a user code, or ErrNotFound.
func (s *DeviceCodeStore) FindByUserCode(ctx context.Context, userCode string) (*DeviceCode, error) {
	deviceCode, err := s.resolveUserCode(ctx, userCode)
	if err != nil {
		return nil, err
	}
	return s.FindByDeviceCode(ctx, deviceCode)
}

// UpdateByUserCode rewrites the authorization after the user completed (or
// denied) verification.
func (s *DeviceCodeStore) UpdateByUserCode(ctx context.Context, userCode string, data *DeviceCode) error {
	deviceCode, err := s.resolveUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	subjectID := ""
	if data.Subject != nil {
		subjectID = data.Subject.ID
	}
	expiration := data.CreationTime.Add(time.Duration(data.Lifetime) * time.Second)
	return s.deviceCodes.storeItem(ctx, deviceCode, data, data.ClientID, subjectID, data.SessionID, data.Description, data.CreationTime, expiration)
}

// Consume atomically redeems an authorized device code, so concurrent polls
// cannot both obtain tokens.
func (s *DeviceCodeStore) Consume(ctx context.Context, deviceCode string, at time.Time) (*DeviceCode, error) {
	var data DeviceCode
	if err := s.deviceCodes.consumeItem(ctx, deviceCode, at, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// RemoveByDeviceCode deletes both envelopes of the authorization. The user
// code pointer can only be removed when the payload is still readable;
// otherwise it is left to expire with its envelope. Idempotent.
func (s *DeviceCodeStore) RemoveByDeviceCode(ctx context.Context, deviceCode string) error {
	return s.deviceCodes.removeItem(ctx, deviceCode)
}

func (s *DeviceCodeStore) resolveUserCode(ctx context.Context, userCode string) (string, error) {
	var pointer userCodePointer
	if _, err := s.userCodes.getItem(ctx, userCode, &pointer); err != nil {
		return "", err
	}
	if pointer.DeviceCode == "" {
		return "", ErrNotFound
	}
	return pointer.DeviceCode, nil
}
