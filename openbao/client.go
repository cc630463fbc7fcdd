// Package openbao implements kmssigner.KMSClient on top of the OpenBao
// secp256k1 secrets plugin.
//
// OpenBao has no key rings. A key ring is a name prefix: key "k" in ring "r"
// is stored as plugin key "r.k". Only key version 1 exists.
//
// The plugin API carries no CRC32C checksums. Both checksums this client
// reports are computed locally, so the kmssigner checksum checks cannot detect
// corruption on the wire. Use TLS for wire integrity.
package openbao

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	kmssigner "github.com/bluewhale55/web3-kms-signer"
	"github.com/bluewhale55/web3-kms-signer/secp256k1"
)

// Default configuration values
const (
	DefaultMountPath   = "secp256k1"
	DefaultHTTPTimeout = 30 * time.Second
)

// Config configures the OpenBao client.
type Config struct {
	Addr          string        // OpenBao server address
	Token         string        // OpenBao authentication token
	Namespace     string        // Optional: OpenBao namespace
	MountPath     string        // Plugin mount path (default: "secp256k1")
	HTTPTimeout   time.Duration // HTTP request timeout
	TLSConfig     *tls.Config   // Optional: custom TLS config
	SkipTLSVerify bool          // INSECURE: skip TLS verification
}

// WithDefaults returns Config with default values applied.
func (c Config) WithDefaults() Config {
	if c.MountPath == "" {
		c.MountPath = DefaultMountPath
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	return c
}

// Validate checks required configuration fields.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return ErrMissingAddr
	}
	if c.Token == "" {
		return ErrMissingToken
	}
	return nil
}

// Client handles HTTP communication with OpenBao.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	namespace  string
	mountPath  string
}

// Verify interface compliance
var _ kmssigner.KMSClient = (*Client)(nil)

// NewClient creates a new client instance.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.SkipTLSVerify {
		tlsConfig.InsecureSkipVerify = true
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     tlsConfig,
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout, Transport: transport},
		baseURL:    strings.TrimSuffix(cfg.Addr, "/"),
		token:      cfg.Token,
		namespace:  cfg.Namespace,
		mountPath:  strings.Trim(cfg.MountPath, "/"),
	}, nil
}

// keyName maps a crypto key version resource name to a plugin key name.
func keyName(resourcePath string) (string, error) {
	name, err := kmssigner.ParseResourceName(resourcePath)
	if err != nil {
		return "", err
	}
	if name.KeyID == "" {
		return "", kmssigner.NewValidationError("resourcePath", "crypto key is required")
	}
	if name.Version != "" && name.Version != kmssigner.DefaultKeyVersion {
		return "", fmt.Errorf("%w: version %s", kmssigner.ErrKeyNotFound, name.Version)
	}
	return name.KeyRingID + "." + name.KeyID, nil
}

// FetchPublicKey reads the compressed public key of a plugin key and returns
// it as DER.
func (c *Client) FetchPublicKey(ctx context.Context, resourcePath string) (*kmssigner.PublicKeyResponse, error) {
	name, err := keyName(resourcePath)
	if err != nil {
		return nil, err
	}

	resp, err := c.get(ctx, fmt.Sprintf("/v1/%s/keys/%s", c.mountPath, name))
	if err != nil {
		return nil, err
	}

	var result struct {
		Data struct {
			PublicKey string `json:"public_key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", kmssigner.ErrMalformedResponse, err)
	}

	raw, err := hex.DecodeString(result.Data.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public_key: %v", kmssigner.ErrMalformedResponse, err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: public_key: %v", kmssigner.ErrMalformedResponse, err)
	}
	der, err := secp256k1.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &kmssigner.PublicKeyResponse{DER: der}, nil
}

// AsymmetricSign signs a prehashed digest and returns a DER signature.
//
// The plugin does not carry checksums. The request checksum is checked
// against the digest before it leaves the process and the response checksum
// is computed over the decoded signature, so only corruption inside this
// process is detected. TLS protects the hop to the server.
func (c *Client) AsymmetricSign(ctx context.Context, req *kmssigner.AsymmetricSignRequest) (*kmssigner.AsymmetricSignResponse, error) {
	if req.DigestAlgorithm != kmssigner.DigestAlgorithmSHA256 {
		return nil, kmssigner.NewValidationError("DigestAlgorithm", "must be sha256")
	}
	name, err := keyName(req.ResourcePath)
	if err != nil {
		return nil, err
	}
	if kmssigner.Checksum(req.Digest) != req.DigestCRC32C {
		return &kmssigner.AsymmetricSignResponse{VerifiedDigestCRC32C: false}, nil
	}

	body := map[string]interface{}{
		"input":         base64.StdEncoding.EncodeToString(req.Digest),
		"prehashed":     true,
		"output_format": "der",
	}
	resp, err := c.post(ctx, fmt.Sprintf("/v1/%s/sign/%s", c.mountPath, name), body)
	if err != nil {
		return nil, err
	}

	var result struct {
		Data struct {
			Signature string `json:"signature"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", kmssigner.ErrMalformedResponse, err)
	}
	sig, err := base64.StdEncoding.DecodeString(result.Data.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", kmssigner.ErrMalformedResponse, err)
	}

	crc := kmssigner.Checksum(sig)
	return &kmssigner.AsymmetricSignResponse{
		Signature:            sig,
		SignatureCRC32C:      &crc,
		VerifiedDigestCRC32C: true,
	}, nil
}

// CreateKey creates a non-exportable plugin key for keyID in the key ring
// parentPath.
func (c *Client) CreateKey(ctx context.Context, parentPath, keyID string, spec kmssigner.KeySpec) (string, error) {
	if spec.Algorithm != kmssigner.DefaultKeySpec.Algorithm {
		return "", kmssigner.NewValidationError("Algorithm", fmt.Sprintf("unsupported algorithm %q", spec.Algorithm))
	}
	keyRing, err := kmssigner.ParseResourceName(parentPath)
	if err != nil {
		return "", err
	}
	if keyRing.KeyRingID == "" || keyRing.KeyID != "" {
		return "", kmssigner.NewValidationError("parentPath", "must name a key ring")
	}

	path := fmt.Sprintf("/v1/%s/keys/%s.%s", c.mountPath, keyRing.KeyRingID, keyID)
	if _, err := c.post(ctx, path, map[string]interface{}{"exportable": false}); err != nil {
		return "", err
	}
	return keyRing.CryptoKeyName(keyID), nil
}

// CreateKeyRing returns the key ring name without contacting the server.
// Key rings exist implicitly as key name prefixes.
func (c *Client) CreateKeyRing(_ context.Context, parentPath, keyRingID string) (string, error) {
	if strings.Contains(keyRingID, ".") {
		return "", kmssigner.NewValidationError("keyRingID", "must not contain '.'")
	}
	if _, err := kmssigner.ParseResourceName(parentPath); err != nil {
		return "", err
	}
	return parentPath + "/keyRings/" + keyRingID, nil
}

// Health checks OpenBao status.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sys/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	return &Error{StatusCode: resp.StatusCode}
}

// HTTP helpers
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.doRequest(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	return c.doRequest(ctx, http.MethodPost, path, body)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	req.Header.Set("X-Vault-Token", c.token)
	req.Header.Set("Content-Type", "application/json")
	if c.namespace != "" {
		req.Header.Set("X-Vault-Namespace", c.namespace)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Errors []string `json:"errors"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		return nil, &Error{StatusCode: resp.StatusCode, Errors: errResp.Errors}
	}

	return respBody, nil
}
