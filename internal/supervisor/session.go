// Session storage backing gotd's telegram.SessionStorage interface with the
// settings table's encrypted "telegram_session" blob, re-pointed at Postgres
// since the web UI, not this service, owns writing the authenticated
// session.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kurtskinny/mirrorsync/internal/sessioncrypto"
)

const sessionSettingKey = "telegram_session"

// SettingsStore is the narrow settings read/write surface session storage
// needs.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (json.RawMessage, error)
	PutSetting(ctx context.Context, key string, value any) error
}

// dbSessionStorage implements gotd's telegram.SessionStorage, decrypting the
// stored blob on load and re-encrypting on store so the web UI's format
// (§6) round-trips unchanged.
type dbSessionStorage struct {
	store  SettingsStore
	secret string
}

func newDBSessionStorage(store SettingsStore, encryptionSecret string) *dbSessionStorage {
	return &dbSessionStorage{store: store, secret: encryptionSecret}
}

// LoadSession returns the decrypted MTProto session bytes, or nil if no
// session has been stored yet (a fresh login is required externally).
func (s *dbSessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	raw, err := s.store.GetSetting(ctx, sessionSettingKey)
	if err != nil {
		return nil, fmt.Errorf("load session setting: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("unmarshal session setting: %w", err)
	}
	if encoded == "" {
		return nil, nil
	}

	return sessioncrypto.Decrypt(encoded, s.secret)
}

// StoreSession re-encrypts data with a fresh salt/iv and persists it, kept
// for completeness: in normal operation the web UI owns writes to this key,
// but gotd calls StoreSession after every successful auth handshake.
func (s *dbSessionStorage) StoreSession(ctx context.Context, data []byte) error {
	salt, iv, err := randomSaltAndIV()
	if err != nil {
		return fmt.Errorf("generate salt/iv: %w", err)
	}
	encoded, err := sessioncrypto.Encrypt(data, s.secret, salt, iv)
	if err != nil {
		return fmt.Errorf("encrypt session: %w", err)
	}
	return s.store.PutSetting(ctx, sessionSettingKey, encoded)
}
