package kmssigner

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/bluewhale55/web3-kms-signer/secp256k1"
)

// RemoteSigner fetches public keys and raw DER signatures from a KMSClient.
// Every operation targets DefaultKeyVersion of the key.
type RemoteSigner struct {
	client  KMSClient
	channel ChecksummedChannel
	path    atomic.Pointer[KeyRingPath]
}

// NewRemoteSigner creates a signer for client. The key ring path must be set
// with SetPath before any call.
func NewRemoteSigner(client KMSClient) *RemoteSigner {
	return &RemoteSigner{client: client}
}

// SetPath configures the project, location and key ring used to resolve
// key ids.
func (s *RemoteSigner) SetPath(path KeyRingPath) error {
	if err := path.Validate(); err != nil {
		return err
	}
	s.path.Store(&path)
	return nil
}

// Path returns the configured key ring path, or ErrUnresolvedPath.
func (s *RemoteSigner) Path() (KeyRingPath, error) {
	p := s.path.Load()
	if p == nil {
		return KeyRingPath{}, ErrUnresolvedPath
	}
	return *p, nil
}

func (s *RemoteSigner) versionName(keyID string) (string, error) {
	p, err := s.Path()
	if err != nil {
		return "", err
	}
	if keyID == "" {
		return "", NewValidationError("keyID", "is required")
	}
	return p.CryptoKeyVersionName(keyID, DefaultKeyVersion), nil
}

// PublicKeyDER returns the DER SubjectPublicKeyInfo of keyID. PEM responses
// are converted; a PEM checksum is verified when the backend provides one.
func (s *RemoteSigner) PublicKeyDER(ctx context.Context, keyID string) ([]byte, error) {
	name, err := s.versionName(keyID)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.FetchPublicKey(ctx, name)
	if err != nil {
		return nil, backendError(err)
	}
	if resp == nil || (resp.PEM == "" && len(resp.DER) == 0) {
		return nil, fmt.Errorf("%w: public key missing", ErrMalformedResponse)
	}

	raw := resp.DER
	if resp.PEM != "" {
		raw = []byte(resp.PEM)
		if resp.PEMCRC32C != nil {
			if err := verifyResponse(raw, resp.PEMCRC32C); err != nil {
				return nil, err
			}
		}
	}

	der, err := secp256k1.NormalizePublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return der, nil
}

// SignDigest asks the backend to sign a SHA-256 sized digest and returns the
// DER signature. The digest is declared as SHA-256 so the backend does not
// hash it again.
func (s *RemoteSigner) SignDigest(ctx context.Context, keyID string, digest []byte) ([]byte, error) {
	if len(digest) != DigestLength {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDigest, len(digest))
	}
	name, err := s.versionName(keyID)
	if err != nil {
		return nil, err
	}

	sig, err := s.channel.Send(ctx, digest, func(ctx context.Context, payload []byte, crc uint32) (*Envelope, error) {
		resp, err := s.client.AsymmetricSign(ctx, &AsymmetricSignRequest{
			ResourcePath:    name,
			DigestAlgorithm: DigestAlgorithmSHA256,
			Digest:          payload,
			DigestCRC32C:    crc,
		})
		if err != nil {
			return nil, err
		}
		if resp == nil || len(resp.Signature) == 0 {
			return nil, fmt.Errorf("%w: signature missing", ErrMalformedResponse)
		}
		return &Envelope{
			Payload:         resp.Signature,
			PayloadCRC32C:   resp.SignatureCRC32C,
			RequestVerified: resp.VerifiedDigestCRC32C,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return sig, nil
}
