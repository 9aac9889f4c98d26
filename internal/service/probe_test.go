package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/signer"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeRegistry_Unregistered(t *testing.T) {
	r := NewProbeRegistry()
	_, err := r.TestCredentials(context.Background(), "nowhere", model.CredentialBundle{"api_key": "x"})
	assert.ErrorIs(t, err, ErrNoProber)
	assert.False(t, r.Has("nowhere"))
}

func TestProbeRegistry_FailureIsProbeError(t *testing.T) {
	r := NewProbeRegistry()
	r.Register(" LNMarkets ", ProberFunc(func(context.Context, model.CredentialBundle) (ProbeResult, error) {
		return ProbeResult{Success: false}, nil
	}), 0, 0)
	require.True(t, r.Has("lnmarkets"))

	_, err := r.TestCredentials(context.Background(), "lnmarkets", nil)
	var pe *ProbeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "credential test failed", pe.Message)
	assert.Equal(t, ProbeNetworkError, pe.Kind)
}

func TestProbeRegistry_PacingHonoursContext(t *testing.T) {
	r := NewProbeRegistry()
	r.Register("slowex", ProberFunc(func(context.Context, model.CredentialBundle) (ProbeResult, error) {
		return ProbeResult{Success: true}, nil
	}), 0.001, 1)

	_, err := r.TestCredentials(context.Background(), "slowex", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.TestCredentials(ctx, "slowex", nil)
	var pe *ProbeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ProbeNetworkError, pe.Kind)
}

func TestClassifyMessage(t *testing.T) {
	tests := map[string]ProbeFailure{
		"401 Unauthorized":            ProbeInvalidCredentials,
		"Invalid signature":           ProbeInvalidCredentials,
		"403 Forbidden":               ProbeAccessDenied,
		"permission denied for scope": ProbeAccessDenied,
		"429 Too Many Requests":       ProbeRateLimited,
		"rate limit exceeded":         ProbeRateLimited,
		"502 Bad Gateway":             ProbeNetworkError,
		"connection reset by peer":    ProbeNetworkError,
	}
	for msg, want := range tests {
		assert.Equal(t, want, classifyMessage(msg), msg)
	}
}

func TestClassifyProbeError_Timeout(t *testing.T) {
	pe := classifyProbeError("binance", context.DeadlineExceeded)
	assert.Equal(t, ProbeNetworkError, pe.Kind)
	assert.Equal(t, "binance", pe.Exchange)
	assert.Equal(t, "network error contacting exchange: probe timed out", describeProbeFailure(pe))
}

func TestHTTPProber_Success(t *testing.T) {
	fixed := time.UnixMilli(1700000000000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("X-API-KEY"))
		assert.Equal(t, "1700000000000", r.Header.Get("X-Timestamp"))
		assert.Equal(t, "pp", r.Header.Get("X-Passphrase"))

		mac := hmac.New(sha256.New, []byte("secret-1"))
		mac.Write([]byte("1700000000000" + "GET" + "/v2/user?scope=read"))
		assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-Signature"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uid":"abc","balance":1500.5,"verified":true,"nested":{"x":1}}`))
	}))
	defer srv.Close()

	p := NewHTTPProber("lnmarkets", srv.URL+"/v2/user?scope=read", "", srv.Client())
	p.now = func() time.Time { return fixed }

	res, err := p.TestCredentials(context.Background(), model.CredentialBundle{
		"api_key": "key-1", "api_secret": "secret-1", "passphrase": "pp",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]string{"uid": "abc", "balance": "1500.5", "verified": "true"}, res.Identity)
}

func TestHTTPProber_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   ProbeFailure
		msg    string
	}{
		{http.StatusUnauthorized, `{"message":"bad key"}`, ProbeInvalidCredentials, "401 bad key"},
		{http.StatusForbidden, `{"error":"ip blocked"}`, ProbeAccessDenied, "403 ip blocked"},
		{http.StatusTooManyRequests, ``, ProbeRateLimited, "429 Too Many Requests"},
		{http.StatusInternalServerError, `oops`, ProbeNetworkError, "500 Internal Server Error"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewHTTPProber("binance", srv.URL, "X-MBX-APIKEY", srv.Client())
			_, err := p.TestCredentials(context.Background(), model.CredentialBundle{"api_key": "k", "api_secret": "s"})
			var pe *ProbeError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, tt.msg, pe.Message)
		})
	}
}

func TestHTTPProber_MissingFields(t *testing.T) {
	p := NewHTTPProber("binance", "http://127.0.0.1:1", "", nil)
	_, err := p.TestCredentials(context.Background(), model.CredentialBundle{"api_key": "k"})
	var pe *ProbeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ProbeInvalidCredentials, pe.Kind)
}

func TestWalletProber_Offline(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := hex.EncodeToString(crypto.FromECDSA(key))
	addr := crypto.PubkeyToAddress(key.PublicKey)

	p := NewWalletProber("polygon", "", 0)
	res, err := p.TestCredentials(context.Background(), model.CredentialBundle{
		"private_key": "0x" + keyHex,
		"address":     addr.Hex(),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, addr.Hex(), res.Identity["address"])
	assert.Equal(t, "eoa", res.Identity["wallet_type"])
}

func TestWalletProber_DerivedWallets(t *testing.T) {
	owner := common.HexToAddress(hardhatAddr)
	proxy, err := auth.DeriveProxyWallet(owner)
	require.NoError(t, err)
	safe, err := auth.DeriveSafeWallet(owner)
	require.NoError(t, err)

	p := NewWalletProber("polygon", "", 137)
	for kind, wallet := range map[string]common.Address{"proxy": proxy, "safe": safe} {
		res, err := p.TestCredentials(context.Background(), model.CredentialBundle{
			"private_key": hardhatKey,
			"address":     wallet.Hex(),
		})
		require.NoError(t, err, kind)
		assert.Equal(t, kind, res.Identity["wallet_type"])
		assert.Equal(t, wallet.Hex(), res.Identity["address"])
	}
}

func TestWalletProber_MismatchWithoutRPC(t *testing.T) {
	p := NewWalletProber("polygon", "", 137)
	_, err := p.TestCredentials(context.Background(), model.CredentialBundle{
		"private_key": hardhatKey,
		"address":     "0x0000000000000000000000000000000000000001",
	})
	var pe *ProbeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ProbeInvalidCredentials, pe.Kind)
	assert.Contains(t, pe.Message, "does not control")
}

// ownerVerifier plays a contract wallet whose only owner is owner.
type ownerVerifier struct {
	owner common.Address
	err   error
}

func (v *ownerVerifier) Verify(_ context.Context, _ string, hash []byte, sig string) (bool, error) {
	if v.err != nil {
		return false, v.err
	}
	recovered, err := signer.Recover(common.BytesToHash(hash), sig)
	if err != nil {
		return false, nil
	}
	return recovered == v.owner, nil
}

func TestWalletProber_ContractWallet(t *testing.T) {
	const safe = "0x00000000000000000000000000000000000000aa"
	owner := common.HexToAddress(hardhatAddr)

	p := NewWalletProber("polymarket", "", 137)
	v := &ownerVerifier{owner: owner}
	p.verifier = v

	res, err := p.TestCredentials(context.Background(), model.CredentialBundle{"private_key": hardhatKey, "address": safe})
	require.NoError(t, err)
	assert.Equal(t, "contract", res.Identity["wallet_type"])
	assert.Equal(t, common.HexToAddress(safe).Hex(), res.Identity["address"])
	assert.Equal(t, hardhatAddr, res.Identity["signer"])

	v.owner = common.HexToAddress("0x0000000000000000000000000000000000000002")
	_, err = p.TestCredentials(context.Background(), model.CredentialBundle{"private_key": hardhatKey, "address": safe})
	var pe *ProbeError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ProbeInvalidCredentials, pe.Kind)
	assert.Contains(t, pe.Message, "not authorised")

	v.err = errors.New("rpc down")
	_, err = p.TestCredentials(context.Background(), model.CredentialBundle{"private_key": hardhatKey, "address": safe})
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ProbeNetworkError, pe.Kind)
}

const (
	hardhatKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	hardhatAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestParseWalletCredentials(t *testing.T) {
	wc, err := parseWalletCredentials(model.CredentialBundle{"private_key": hardhatKey})
	require.NoError(t, err)
	assert.Equal(t, hardhatAddr, wc.signer.Hex())
	assert.False(t, wc.contractWallet())

	wc, err = parseWalletCredentials(model.CredentialBundle{"private_key": "0x" + hardhatKey, "address": strings.ToLower(hardhatAddr)})
	require.NoError(t, err)
	assert.False(t, wc.contractWallet())

	_, err = parseWalletCredentials(model.CredentialBundle{"private_key": hardhatKey, "address": "not-an-address"})
	assert.ErrorContains(t, err, "not a valid hex address")

	_, err = parseWalletCredentials(model.CredentialBundle{"private_key": "zz"})
	assert.ErrorContains(t, err, "not a valid secp256k1 key")

	_, err = parseWalletCredentials(model.CredentialBundle{})
	assert.ErrorContains(t, err, "required")
}
