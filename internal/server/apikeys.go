package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stateline/internal/domain"
	"stateline/internal/filestore"
)

// ErrKeyNotFound is returned for unknown API keys or key ids.
var ErrKeyNotFound = errors.New("api key not found")

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// KeyStore persists hashed API keys in the workspace key registry.
type KeyStore struct {
	Files *filestore.Store
}

func (k KeyStore) load() ([]domain.APIKey, error) {
	var keys []domain.APIKey
	if _, err := k.Files.ReadJSON(k.Files.APIKeysPath(), &keys, true); err != nil {
		return nil, err
	}
	return keys, nil
}

// Create mints a new key for an actor and returns the raw secret once; only
// its hash is stored.
func (k KeyStore) Create(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor id required")
	}
	keys, err := k.load()
	if err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "sk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	keys = append(keys, key)
	if err := k.Files.WriteJSON(k.Files.APIKeysPath(), keys); err != nil {
		return domain.APIKey{}, "", fmt.Errorf("write api keys: %w", err)
	}
	return key, raw, nil
}

// List returns keys, optionally filtered by actor.
func (k KeyStore) List(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	keys, err := k.load()
	if err != nil {
		return nil, err
	}
	if actorID == "" {
		return keys, nil
	}
	var filtered []domain.APIKey
	for _, key := range keys {
		if key.ActorID == actorID {
			filtered = append(filtered, key)
		}
	}
	return filtered, nil
}

// LookupByHash resolves a hashed key back to its record.
func (k KeyStore) LookupByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	keys, err := k.load()
	if err != nil {
		return domain.APIKey{}, err
	}
	for _, key := range keys {
		if key.KeyHash == hash {
			return key, nil
		}
	}
	return domain.APIKey{}, ErrKeyNotFound
}

// Revoke deletes a key by id.
func (k KeyStore) Revoke(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	keys, err := k.load()
	if err != nil {
		return err
	}
	kept := keys[:0]
	found := false
	for _, key := range keys {
		if key.ID == id {
			found = true
			continue
		}
		kept = append(kept, key)
	}
	if !found {
		return ErrKeyNotFound
	}
	return k.Files.WriteJSON(k.Files.APIKeysPath(), kept)
}
