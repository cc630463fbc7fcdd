// Package gcpkms implements kmssigner.KMSClient on top of Google Cloud KMS.
package gcpkms

import (
	"context"
	"fmt"
	"math"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	kmssigner "github.com/bluewhale55/web3-kms-signer"
)

// Config configures the Cloud KMS client.
type Config struct {
	CredentialsFile string `mapstructure:"credentials_file"` // Optional: service account JSON, defaults to ADC
	Endpoint        string `mapstructure:"endpoint"`         // Optional: override the API endpoint
}

// keyManagement is the subset of the generated client used here.
type keyManagement interface {
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	CreateCryptoKey(ctx context.Context, req *kmspb.CreateCryptoKeyRequest, opts ...gax.CallOption) (*kmspb.CryptoKey, error)
	CreateKeyRing(ctx context.Context, req *kmspb.CreateKeyRingRequest, opts ...gax.CallOption) (*kmspb.KeyRing, error)
	Close() error
}

// Client adapts Cloud KMS to kmssigner.KMSClient.
type Client struct {
	api   keyManagement
	retry gax.CallOption
}

// Verify interface compliance
var _ kmssigner.KMSClient = (*Client)(nil)

// NewClient dials Cloud KMS.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	api, err := kms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", kmssigner.ErrBackendUnavailable, err)
	}
	return newClient(api), nil
}

func newClient(api keyManagement) *Client {
	return &Client{
		api: api,
		retry: gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
				Initial:    100 * time.Millisecond,
				Max:        2 * time.Second,
				Multiplier: 2,
			})
		}),
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.api.Close()
}

// FetchPublicKey returns the PEM public key of a crypto key version.
func (c *Client) FetchPublicKey(ctx context.Context, resourcePath string) (*kmssigner.PublicKeyResponse, error) {
	pk, err := c.api.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: resourcePath}, c.retry)
	if err != nil {
		return nil, classify(err)
	}
	if pk.GetAlgorithm() != kmspb.CryptoKeyVersion_EC_SIGN_SECP256K1_SHA256 {
		return nil, fmt.Errorf("%w: unexpected key algorithm %s", kmssigner.ErrMalformedResponse, pk.GetAlgorithm())
	}
	crc, err := checksumValue([]byte(pk.GetPem()), pk.GetPemCrc32C())
	if err != nil {
		return nil, err
	}
	return &kmssigner.PublicKeyResponse{
		PEM:       pk.GetPem(),
		PEMCRC32C: crc,
	}, nil
}

// AsymmetricSign signs a SHA-256 digest with a crypto key version.
func (c *Client) AsymmetricSign(ctx context.Context, req *kmssigner.AsymmetricSignRequest) (*kmssigner.AsymmetricSignResponse, error) {
	if req.DigestAlgorithm != kmssigner.DigestAlgorithmSHA256 {
		return nil, kmssigner.NewValidationError("DigestAlgorithm", "must be sha256")
	}

	resp, err := c.api.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name:         req.ResourcePath,
		Digest:       &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: req.Digest}},
		DigestCrc32C: wrapperspb.Int64(int64(req.DigestCRC32C)),
	}, c.retry)
	if err != nil {
		return nil, classify(err)
	}
	if resp.GetName() != "" && resp.GetName() != req.ResourcePath {
		return nil, fmt.Errorf("%w: signed by %s", kmssigner.ErrMalformedResponse, resp.GetName())
	}

	crc, err := checksumValue(resp.GetSignature(), resp.GetSignatureCrc32C())
	if err != nil {
		return nil, err
	}
	return &kmssigner.AsymmetricSignResponse{
		Signature:            resp.GetSignature(),
		SignatureCRC32C:      crc,
		VerifiedDigestCRC32C: resp.GetVerifiedDigestCrc32C(),
	}, nil
}

// CreateKey creates a crypto key under the key ring parentPath.
func (c *Client) CreateKey(ctx context.Context, parentPath, keyID string, spec kmssigner.KeySpec) (string, error) {
	purpose, ok := kmspb.CryptoKey_CryptoKeyPurpose_value[spec.Purpose]
	if !ok {
		return "", kmssigner.NewValidationError("Purpose", fmt.Sprintf("unknown purpose %q", spec.Purpose))
	}
	algorithm, ok := kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm_value[spec.Algorithm]
	if !ok {
		return "", kmssigner.NewValidationError("Algorithm", fmt.Sprintf("unknown algorithm %q", spec.Algorithm))
	}
	protection, ok := kmspb.ProtectionLevel_value[spec.ProtectionLevel]
	if !ok {
		return "", kmssigner.NewValidationError("ProtectionLevel", fmt.Sprintf("unknown protection level %q", spec.ProtectionLevel))
	}

	key, err := c.api.CreateCryptoKey(ctx, &kmspb.CreateCryptoKeyRequest{
		Parent:      parentPath,
		CryptoKeyId: keyID,
		CryptoKey: &kmspb.CryptoKey{
			Purpose: kmspb.CryptoKey_CryptoKeyPurpose(purpose),
			VersionTemplate: &kmspb.CryptoKeyVersionTemplate{
				Algorithm:       kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm(algorithm),
				ProtectionLevel: kmspb.ProtectionLevel(protection),
			},
		},
	})
	if err != nil {
		return "", classify(err)
	}
	return key.GetName(), nil
}

// CreateKeyRing creates a key ring under the location parentPath.
func (c *Client) CreateKeyRing(ctx context.Context, parentPath, keyRingID string) (string, error) {
	ring, err := c.api.CreateKeyRing(ctx, &kmspb.CreateKeyRingRequest{
		Parent:    parentPath,
		KeyRingId: keyRingID,
		KeyRing:   &kmspb.KeyRing{},
	})
	if err != nil {
		return "", classify(err)
	}
	return ring.GetName(), nil
}

// checksumValue converts a reported CRC32C. A value outside the uint32 range
// cannot be the checksum of payload and is reported as response corruption.
func checksumValue(payload []byte, v *wrapperspb.Int64Value) (*uint32, error) {
	if v == nil {
		return nil, nil
	}
	reported := v.GetValue()
	if reported < 0 || reported > math.MaxUint32 {
		return nil, &kmssigner.TransitCorruptionError{
			Direction: kmssigner.DirectionResponse,
			Want:      uint32(reported),
			Got:       kmssigner.Checksum(payload),
		}
	}
	crc := uint32(reported)
	return &crc, nil
}

// classify maps gRPC status codes onto kmssigner errors. Only transport
// level codes are retryable.
func classify(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %w", kmssigner.ErrKeyNotFound, err)
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %w", kmssigner.ErrKeyExists, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %w", kmssigner.ErrBackendUnavailable, err)
	case codes.Canceled:
		return fmt.Errorf("%w: %w", context.Canceled, err)
	default:
		return fmt.Errorf("%w: %w", kmssigner.ErrBackendRejected, err)
	}
}
