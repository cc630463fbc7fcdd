package kmssigner

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/bluewhale55/web3-kms-signer/secp256k1"
)

// Provider is the signing capability shared by every custody backend.
// Callers hold a Provider and never depend on where keys live.
type Provider interface {
	// PublicKey returns the DER SubjectPublicKeyInfo of keyID.
	PublicKey(ctx context.Context, keyID string) ([]byte, error)
	// Sign signs a 32-byte digest. A nil chainID selects legacy v (27/28),
	// otherwise v is EIP-155 encoded.
	Sign(ctx context.Context, keyID string, digest []byte, chainID *big.Int) (*RecoverableSignature, error)
}

// BackendRemote is the backend label of RemoteCustody.
const BackendRemote = "remote"

// RemoteCustody implements Provider with keys held by a remote KMS.
type RemoteCustody struct {
	signer *RemoteSigner
	cache  PublicKeyCache
	logger *slog.Logger
}

// Verify interface compliance
var _ Provider = (*RemoteCustody)(nil)

// NewRemoteCustody creates a RemoteCustody with the given configuration.
func NewRemoteCustody(cfg Config) (*RemoteCustody, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	c := &RemoteCustody{
		signer: NewRemoteSigner(cfg.Client),
		cache:  cfg.Cache,
		logger: cfg.Logger.With(slog.String("backend", BackendRemote)),
	}
	if cfg.Path != nil {
		if err := c.SetPath(*cfg.Path); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetPath configures the key ring used to resolve key ids.
func (c *RemoteCustody) SetPath(path KeyRingPath) error {
	return c.signer.SetPath(path)
}

// PublicKey returns the DER public key of keyID.
func (c *RemoteCustody) PublicKey(ctx context.Context, keyID string) ([]byte, error) {
	pub, err := c.publicKey(ctx, keyID)
	if err != nil {
		c.logFailure("public_key", keyID, err)
		return nil, WrapKeyError("public key", keyID, err)
	}
	return pub, nil
}

// Sign fetches the public key, requests a DER signature over digest and
// normalizes it into a low-S recoverable signature.
func (c *RemoteCustody) Sign(ctx context.Context, keyID string, digest []byte, chainID *big.Int) (*RecoverableSignature, error) {
	start := time.Now()

	sig, err := c.sign(ctx, keyID, digest, chainID)
	if err != nil {
		c.logFailure("sign", keyID, err)
		return nil, WrapKeyError("sign", keyID, err)
	}

	c.logger.Debug("signed digest",
		slog.String("key_id", keyID),
		slog.Bool("eip155", chainID != nil),
		slog.Uint64("v", sig.V),
		slog.Duration("duration", time.Since(start)),
	)
	return sig, nil
}

func (c *RemoteCustody) sign(ctx context.Context, keyID string, digest []byte, chainID *big.Int) (*RecoverableSignature, error) {
	pub, err := c.publicKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	der, err := c.signer.SignDigest(ctx, keyID, digest)
	if err != nil {
		return nil, err
	}
	return secp256k1.Normalize(der, pub, digest, chainID)
}

// publicKey consults the cache before the backend. Cache failures are logged
// and otherwise ignored.
func (c *RemoteCustody) publicKey(ctx context.Context, keyID string) ([]byte, error) {
	if c.cache == nil {
		return c.signer.PublicKeyDER(ctx, keyID)
	}

	name, err := c.signer.versionName(keyID)
	if err != nil {
		return nil, err
	}
	if der, ok, err := c.cache.Get(ctx, name); err != nil {
		c.logger.Warn("public key cache read failed", slog.String("name", name), slog.String("error", err.Error()))
	} else if ok {
		return der, nil
	}

	der, err := c.signer.PublicKeyDER(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, name, der); err != nil {
		c.logger.Warn("public key cache write failed", slog.String("name", name), slog.String("error", err.Error()))
	}
	return der, nil
}

func (c *RemoteCustody) logFailure(op, keyID string, err error) {
	c.logger.Warn("custody operation failed",
		slog.String("op", op),
		slog.String("key_id", keyID),
		slog.String("kind", ErrorKind(err)),
		slog.Bool("retryable", IsRetryable(err)),
		slog.String("error", err.Error()),
	)
}
