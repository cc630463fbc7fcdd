package kmssigner

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// KeyLifecycleManager provisions keys and key rings in the backend. It is not
// on the signing path.
type KeyLifecycleManager struct {
	client KMSClient
	store  *KeyStore
	logger *slog.Logger
	path   atomic.Pointer[KeyRingPath]
}

// NewKeyLifecycleManager creates a manager for client. store may be nil, in
// which case created keys are not recorded locally.
func NewKeyLifecycleManager(client KMSClient, store *KeyStore, logger *slog.Logger) (*KeyLifecycleManager, error) {
	if client == nil {
		return nil, ErrMissingClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyLifecycleManager{client: client, store: store, logger: logger}, nil
}

// SetPath configures the project, location and key ring.
func (m *KeyLifecycleManager) SetPath(path KeyRingPath) error {
	if err := path.Validate(); err != nil {
		return err
	}
	m.path.Store(&path)
	return nil
}

func (m *KeyLifecycleManager) resolvedPath() (KeyRingPath, error) {
	p := m.path.Load()
	if p == nil {
		return KeyRingPath{}, ErrUnresolvedPath
	}
	return *p, nil
}

// CreateKey creates an HSM-protected secp256k1 signing key in the configured
// key ring. An empty desiredID is replaced with a random UUID. The key id is
// returned.
//
// If the backend created the key but recording it in the store fails, the key
// id is returned together with the error. The key exists and must not be
// created again.
func (m *KeyLifecycleManager) CreateKey(ctx context.Context, desiredID string) (string, error) {
	p, err := m.resolvedPath()
	if err != nil {
		return "", err
	}

	keyID := desiredID
	if keyID == "" {
		keyID = uuid.NewString()
	}

	name := p.CryptoKeyName(keyID)
	if m.store != nil && m.store.Has(name) {
		return "", WrapKeyError("create", keyID, ErrKeyExists)
	}

	created, err := m.client.CreateKey(ctx, p.KeyRingName(), keyID, DefaultKeySpec)
	if err != nil {
		return "", WrapKeyError("create", keyID, backendError(err))
	}
	if created == "" {
		return "", WrapKeyError("create", keyID, fmt.Errorf("%w: key name missing", ErrMalformedResponse))
	}

	if m.store != nil {
		meta := &KeyMetadata{
			Name:            created,
			KeyID:           keyID,
			KeyRing:         p.KeyRingName(),
			Algorithm:       DefaultKeySpec.Algorithm,
			ProtectionLevel: DefaultKeySpec.ProtectionLevel,
			CreatedAt:       time.Now().UTC(),
			Source:          SourceGenerated,
		}
		if err := m.store.Save(meta); err != nil {
			m.logger.Warn("created key but failed to record it",
				slog.String("name", created),
				slog.String("error", err.Error()),
			)
			return keyID, WrapKeyError("create", keyID, err)
		}
	}

	m.logger.Info("created key", slog.String("name", created))
	return keyID, nil
}

// CreateKeyRing creates a key ring in the configured project and location
// and returns its id.
func (m *KeyLifecycleManager) CreateKeyRing(ctx context.Context, keyRingID string) (string, error) {
	p, err := m.resolvedPath()
	if err != nil {
		return "", err
	}
	if keyRingID == "" {
		return "", NewValidationError("keyRingID", "is required")
	}

	created, err := m.client.CreateKeyRing(ctx, p.LocationName(), keyRingID)
	if err != nil {
		return "", fmt.Errorf("create key ring %q: %w", keyRingID, backendError(err))
	}
	if created == "" {
		return "", fmt.Errorf("create key ring %q: %w: key ring name missing", keyRingID, ErrMalformedResponse)
	}

	m.logger.Info("created key ring", slog.String("name", created))
	return keyRingID, nil
}

// ListKeys returns the keys recorded by CreateKey.
func (m *KeyLifecycleManager) ListKeys() ([]*KeyMetadata, error) {
	if m.store == nil {
		return nil, ErrMissingStore
	}
	return m.store.List(), nil
}
