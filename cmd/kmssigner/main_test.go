package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kmssigner "github.com/bluewhale55/web3-kms-signer"
)

const testMnemonic = "test test test test test test test test test test test junk"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func setupLocalEnv(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("KMSSIGNER_BACKEND", "local")
	t.Setenv("KMSSIGNER_LOCAL_MNEMONIC", testMnemonic)
}

func TestAddressCmd(t *testing.T) {
	setupLocalEnv(t)

	out, err := run(t, "address", "--key", "m/44'/60'/0'/0/0")
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266\n", out)
}

func TestPubKeyCmd(t *testing.T) {
	setupLocalEnv(t)

	out, err := run(t, "pubkey", "--key", "m/44'/60'/0'/0/1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "-----BEGIN PUBLIC KEY-----"))
}

func TestSignCmd(t *testing.T) {
	setupLocalEnv(t)
	digest := crypto.Keccak256([]byte("cli"))

	tests := []struct {
		name  string
		args  []string
		check func(t *testing.T, v uint64)
	}{
		{
			name:  "legacy",
			args:  nil,
			check: func(t *testing.T, v uint64) { assert.Contains(t, []uint64{27, 28}, v) },
		},
		{
			name:  "eip155",
			args:  []string{"--chain-id", "10"},
			check: func(t *testing.T, v uint64) { assert.Contains(t, []uint64{55, 56}, v) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"sign", "--key", "m/44'/60'/0'/0/0", "--digest", hexutil.Encode(digest)}, tt.args...)
			out, err := run(t, args...)
			require.NoError(t, err)

			var result signOutput
			require.NoError(t, json.Unmarshal([]byte(out), &result))
			tt.check(t, result.V)

			sig, err := hexutil.Decode(result.Signature)
			require.NoError(t, err)
			pub, err := crypto.SigToPub(digest, sig)
			require.NoError(t, err)
			assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", crypto.PubkeyToAddress(*pub).Hex())
		})
	}
}

func TestSignCmd_Errors(t *testing.T) {
	setupLocalEnv(t)

	_, err := run(t, "sign", "--key", "m/44'/60'/0'/0/0", "--digest", "nothex")
	assert.ErrorContains(t, err, "invalid --digest")

	_, err = run(t, "sign", "--key", "m/44'/60'/0'/0/0", "--digest", "0x0102")
	assert.Error(t, err)

	_, err = run(t, "sign", "--digest", "0x0102")
	assert.Error(t, err)
}

func TestCreateKeyCmd_LocalBackend(t *testing.T) {
	setupLocalEnv(t)

	_, err := run(t, "create-key", "k")
	assert.ErrorContains(t, err, "no remote key management")
}

func TestBackendFlag_Invalid(t *testing.T) {
	setupLocalEnv(t)

	_, err := run(t, "--backend", "aws", "address", "--key", "m/44'/60'/0'/0/0")
	assert.Error(t, err)
}

func TestKeyLifecycleCmds_OpenBao(t *testing.T) {
	var (
		mu      sync.Mutex
		created []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasPrefix(r.URL.Path, "/v1/secp256k1/keys/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		mu.Lock()
		created = append(created, strings.TrimPrefix(r.URL.Path, "/v1/secp256k1/keys/"))
		mu.Unlock()
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer server.Close()

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("KMSSIGNER_BACKEND", "openbao")
	t.Setenv("KMSSIGNER_OPENBAO_ADDRESS", server.URL)
	t.Setenv("KMSSIGNER_OPENBAO_TOKEN", "token")
	t.Setenv("KMSSIGNER_KEY_RING_PROJECT_ID", "proj")
	t.Setenv("KMSSIGNER_KEY_RING_KEY_RING_ID", "ring")
	t.Setenv("KMSSIGNER_STORE_PATH", filepath.Join(dir, "keys.json"))

	out, err := run(t, "create-keyring", "ring")
	require.NoError(t, err)
	assert.Equal(t, "ring\n", out)

	out, err = run(t, "create-key", "batcher")
	require.NoError(t, err)
	assert.Equal(t, "batcher\n", out)
	mu.Lock()
	assert.Equal(t, []string{"ring.batcher"}, created)
	mu.Unlock()

	out, err = run(t, "list-keys")
	require.NoError(t, err)
	assert.Contains(t, out, "batcher")
	assert.Contains(t, out, "projects/proj/locations/global/keyRings/ring")

	_, err = run(t, "create-key", "batcher")
	assert.Error(t, err)
}

func TestCosmosAddressCmd(t *testing.T) {
	setupLocalEnv(t)

	out, err := run(t, "cosmos-address", "--key", "m/44'/118'/0'/0/0", "--prefix", "celestia")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "celestia1"), out)
}

func TestMetricsOutFlag(t *testing.T) {
	setupLocalEnv(t)
	metricsPath := filepath.Join(t.TempDir(), "kmssigner.prom")
	digest := crypto.Keccak256([]byte("metrics"))

	_, err := run(t, "--metrics-out", metricsPath, "sign", "--key", "m/44'/60'/0'/0/0", "--digest", hexutil.Encode(digest))
	require.NoError(t, err)

	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `kmssigner_operations_total{backend="local",kind="none",op="sign",outcome="success"} 1`)
	assert.Contains(t, string(data), "kmssigner_operation_duration_seconds")
}

func TestListKeysCmd_DoesNotContactBackend(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("KMSSIGNER_BACKEND", "openbao")
	t.Setenv("KMSSIGNER_OPENBAO_ADDRESS", addr)
	t.Setenv("KMSSIGNER_OPENBAO_TOKEN", "token")
	t.Setenv("KMSSIGNER_KEY_RING_PROJECT_ID", "proj")
	t.Setenv("KMSSIGNER_KEY_RING_KEY_RING_ID", "ring")
	t.Setenv("KMSSIGNER_STORE_PATH", filepath.Join(dir, "keys.json"))

	out, err := run(t, "list-keys")
	require.NoError(t, err)
	assert.Contains(t, out, "(no keys)")
}

func TestListKeysCmd_RequiresStorePath(t *testing.T) {
	setupLocalEnv(t)

	_, err := run(t, "list-keys")
	assert.ErrorIs(t, err, kmssigner.ErrMissingStore)
}
