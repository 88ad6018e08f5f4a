package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"travelchat/models"
)

// IdentityIssuer выдает идентичность гостя; реализуется APIClient
type IdentityIssuer interface {
	GuestIdentity(ctx context.Context, displayName, token string) (models.Identity, error)
}

// IdentityStore хранит идентичность гостя в файле между запусками клиента
type IdentityStore struct {
	path string
	now  func() time.Time
}

func NewIdentityStore(path string) *IdentityStore {
	return &IdentityStore{path: path, now: time.Now}
}

// Load читает сохраненную идентичность; ok=false, если файла нет
func (s *IdentityStore) Load() (models.Identity, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.Identity{}, false, nil
	}
	if err != nil {
		return models.Identity{}, false, err
	}
	var identity models.Identity
	if err := json.Unmarshal(data, &identity); err != nil {
		return models.Identity{}, false, fmt.Errorf("corrupt identity file %s: %w", s.path, err)
	}
	if identity.ConversationID == "" || identity.Token == "" {
		return models.Identity{}, false, nil
	}
	return identity, true, nil
}

func (s *IdentityStore) Save(identity models.Identity) error {
	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// GetOrCreate возвращает сохраненную идентичность без изменений, пока она не истекла.
// Иначе просит сервер выдать новую (передавая старый токен) и сохраняет результат.
func (s *IdentityStore) GetOrCreate(ctx context.Context, issuer IdentityIssuer, displayNameHint string) (models.Identity, error) {
	stored, ok, err := s.Load()
	if err != nil {
		return models.Identity{}, err
	}
	if ok && (stored.ExpiresAt == 0 || s.now().Unix() < stored.ExpiresAt) {
		return stored, nil
	}

	identity, err := issuer.GuestIdentity(ctx, displayNameHint, stored.Token)
	if err != nil {
		return models.Identity{}, err
	}
	if err := s.Save(identity); err != nil {
		return models.Identity{}, fmt.Errorf("failed to persist identity: %w", err)
	}
	return identity, nil
}
