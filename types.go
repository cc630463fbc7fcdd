// Package kmssigner produces recoverable secp256k1 signatures for blockchain
// transactions through pluggable key custody backends, without holding
// remote private key material in-process.
package kmssigner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bluewhale55/web3-kms-signer/secp256k1"
)

// Algorithm constants
const (
	AlgorithmSecp256k1    = "secp256k1"
	DigestAlgorithmSHA256 = "sha256"
	DigestLength          = secp256k1.DigestLength
	DefaultKeyVersion     = "1"
	DefaultStoreVersion   = 1
	DefaultHDPath         = "m/44'/60'/0'/0/0"
)

// Source constants
const (
	SourceGenerated = "generated"
	SourceImported  = "imported"
)

// RecoverableSignature is the (r, s, v) triple returned by Provider.Sign.
type RecoverableSignature = secp256k1.RecoverableSignature

// KeySpec describes the key material requested from the backend on creation.
type KeySpec struct {
	Purpose         string
	Algorithm       string
	ProtectionLevel string
}

// DefaultKeySpec requests an HSM-protected secp256k1 signing key.
var DefaultKeySpec = KeySpec{
	Purpose:         "ASYMMETRIC_SIGN",
	Algorithm:       "EC_SIGN_SECP256K1_SHA256",
	ProtectionLevel: "HSM",
}

// KMSClient is the outbound contract a custody backend must satisfy.
// Implementations handle transport and authentication.
type KMSClient interface {
	// FetchPublicKey returns the public key of a crypto key version.
	FetchPublicKey(ctx context.Context, resourcePath string) (*PublicKeyResponse, error)
	// AsymmetricSign signs a precomputed digest with a crypto key version.
	AsymmetricSign(ctx context.Context, req *AsymmetricSignRequest) (*AsymmetricSignResponse, error)
	// CreateKey creates a crypto key under parentPath and returns its resource name.
	CreateKey(ctx context.Context, parentPath, keyID string, spec KeySpec) (string, error)
	// CreateKeyRing creates a key ring under parentPath and returns its resource name.
	CreateKeyRing(ctx context.Context, parentPath, keyRingID string) (string, error)
}

// PublicKeyResponse carries the key in PEM or DER form. PEMCRC32C is set
// when the backend reports a checksum of the PEM text.
type PublicKeyResponse struct {
	PEM       string
	DER       []byte
	PEMCRC32C *uint32
}

// AsymmetricSignRequest for a backend signing call.
type AsymmetricSignRequest struct {
	ResourcePath    string
	DigestAlgorithm string
	Digest          []byte
	DigestCRC32C    uint32
}

// AsymmetricSignResponse from a backend signing call.
type AsymmetricSignResponse struct {
	Signature            []byte
	SignatureCRC32C      *uint32
	VerifiedDigestCRC32C bool
}

// KeyRingPath locates a key ring inside the custody backend.
type KeyRingPath struct {
	ProjectID  string `mapstructure:"project_id"`
	LocationID string `mapstructure:"location_id"`
	KeyRingID  string `mapstructure:"key_ring_id"`
}

// Validate checks that every path segment is set.
func (p KeyRingPath) Validate() error {
	switch {
	case p.ProjectID == "":
		return fmt.Errorf("%w: %w", ErrUnresolvedPath, NewValidationError("ProjectID", "is required"))
	case p.LocationID == "":
		return fmt.Errorf("%w: %w", ErrUnresolvedPath, NewValidationError("LocationID", "is required"))
	case p.KeyRingID == "":
		return fmt.Errorf("%w: %w", ErrUnresolvedPath, NewValidationError("KeyRingID", "is required"))
	}
	return nil
}

// LocationName returns projects/{p}/locations/{l}.
func (p KeyRingPath) LocationName() string {
	return fmt.Sprintf("projects/%s/locations/%s", p.ProjectID, p.LocationID)
}

// KeyRingName returns the key ring resource name.
func (p KeyRingPath) KeyRingName() string {
	return fmt.Sprintf("%s/keyRings/%s", p.LocationName(), p.KeyRingID)
}

// CryptoKeyName returns the resource name of keyID in this key ring.
func (p KeyRingPath) CryptoKeyName(keyID string) string {
	return fmt.Sprintf("%s/cryptoKeys/%s", p.KeyRingName(), keyID)
}

// CryptoKeyVersionName returns the resource name of a key version.
func (p KeyRingPath) CryptoKeyVersionName(keyID, version string) string {
	return fmt.Sprintf("%s/cryptoKeyVersions/%s", p.CryptoKeyName(keyID), version)
}

// ResourceName is a parsed backend resource name. Fields beyond the depth of
// the parsed name are empty.
type ResourceName struct {
	KeyRingPath
	KeyID   string
	Version string
}

var resourceSegments = []string{"projects", "locations", "keyRings", "cryptoKeys", "cryptoKeyVersions"}

// ParseResourceName parses a location, key ring, crypto key or crypto key
// version resource name.
func ParseResourceName(name string) (ResourceName, error) {
	parts := strings.Split(name, "/")
	if len(parts)%2 != 0 || len(parts) < 4 || len(parts) > 2*len(resourceSegments) {
		return ResourceName{}, NewValidationError("name", fmt.Sprintf("malformed resource name %q", name))
	}

	values := make([]string, len(resourceSegments))
	for i := 0; i < len(parts); i += 2 {
		if parts[i] != resourceSegments[i/2] || parts[i+1] == "" {
			return ResourceName{}, NewValidationError("name", fmt.Sprintf("malformed resource name %q", name))
		}
		values[i/2] = parts[i+1]
	}

	return ResourceName{
		KeyRingPath: KeyRingPath{ProjectID: values[0], LocationID: values[1], KeyRingID: values[2]},
		KeyID:       values[3],
		Version:     values[4],
	}, nil
}

// PublicKeyCache stores DER public keys by key version resource name. Key
// versions are immutable, so entries never go stale while the version exists.
type PublicKeyCache interface {
	Get(ctx context.Context, name string) (der []byte, ok bool, err error)
	Set(ctx context.Context, name string, der []byte) error
}

// Config holds configuration for RemoteCustody initialization.
type Config struct {
	Client KMSClient      // Backend client (required)
	Path   *KeyRingPath   // Optional: may be set later with SetPath
	Cache  PublicKeyCache // Optional: skips the public key fetch on hits
	Logger *slog.Logger   // Optional: defaults to slog.Default()
}

// WithDefaults returns Config with default values applied.
func (c Config) WithDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate checks required configuration fields.
func (c *Config) Validate() error {
	if c.Client == nil {
		return ErrMissingClient
	}
	if c.Path != nil {
		return c.Path.Validate()
	}
	return nil
}

// KeyMetadata contains locally stored information about a created key.
type KeyMetadata struct {
	Name            string    `json:"name"`
	KeyID           string    `json:"key_id"`
	KeyRing         string    `json:"key_ring"`
	Algorithm       string    `json:"algorithm"`
	ProtectionLevel string    `json:"protection_level"`
	CreatedAt       time.Time `json:"created_at"`
	Source          string    `json:"source"`
}

// StoreData is the persisted store format.
type StoreData struct {
	Version int                     `json:"version"`
	Keys    map[string]*KeyMetadata `json:"keys"`
}
