package service

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clobSecret = base64.URLEncoding.EncodeToString([]byte("clob-secret"))

func clobBundle(extra map[string]string) model.CredentialBundle {
	b := model.CredentialBundle{
		"api_key":        "clob-key",
		"api_secret":     clobSecret,
		"api_passphrase": "clob-pass",
	}
	for k, v := range extra {
		b[k] = v
	}
	return b
}

func TestPolymarketProber_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/balance-allowance", r.URL.Path)
		assert.Equal(t, "COLLATERAL", r.URL.Query().Get("asset_type"))
		assert.Equal(t, "0", r.URL.Query().Get("signature_type"))
		assert.Equal(t, "clob-key", r.Header.Get(auth.HeaderPolyAPIKey))
		assert.Equal(t, "clob-pass", r.Header.Get(auth.HeaderPolyPassphrase))
		assert.Equal(t, hardhatAddr, r.Header.Get(auth.HeaderPolyAddress))

		ts := r.Header.Get(auth.HeaderPolyTimestamp)
		want, err := auth.SignHMAC(clobSecret, ts+"GET/balance-allowance")
		require.NoError(t, err)
		assert.Equal(t, want, r.Header.Get(auth.HeaderPolySignature))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"balance":"12500000","allowances":{}}`))
	}))
	defer srv.Close()

	p := NewPolymarketProber("polymarket", srv.URL, 0, srv.Client())
	res, err := p.TestCredentials(context.Background(), clobBundle(map[string]string{"private_key": hardhatKey}))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "12.5", res.Identity["balance"])
	assert.Equal(t, "eoa", res.Identity["wallet_type"])
	assert.Equal(t, hardhatAddr, res.Identity["signer"])
}

func TestPolymarketProber_AddressOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, hardhatAddr, r.Header.Get(auth.HeaderPolyAddress))
		_, _ = w.Write([]byte(`{"balance":"0"}`))
	}))
	defer srv.Close()

	p := NewPolymarketProber("polymarket", srv.URL, auth.PolygonChainID, srv.Client())
	res, err := p.TestCredentials(context.Background(), clobBundle(map[string]string{"address": hardhatAddr}))
	require.NoError(t, err)
	assert.Equal(t, "0", res.Identity["balance"])
	assert.Equal(t, hardhatAddr, res.Identity["address"])
}

func TestPolymarketProber_SignatureType(t *testing.T) {
	proxy, err := auth.DeriveProxyWallet(common.HexToAddress(hardhatAddr))
	require.NoError(t, err)

	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.URL.Query().Get("signature_type"))
		_, _ = w.Write([]byte(`{"balance":"1"}`))
	}))
	defer srv.Close()
	p := NewPolymarketProber("polymarket", srv.URL, 0, srv.Client())

	t.Run("inferred proxy", func(t *testing.T) {
		res, err := p.TestCredentials(context.Background(), clobBundle(map[string]string{
			"private_key": hardhatKey, "address": proxy.Hex(),
		}))
		require.NoError(t, err)
		assert.Equal(t, "1", got.Load())
		assert.Equal(t, "proxy", res.Identity["wallet_type"])
		assert.Equal(t, proxy.Hex(), res.Identity["address"])
	})

	t.Run("explicit safe", func(t *testing.T) {
		res, err := p.TestCredentials(context.Background(), clobBundle(map[string]string{
			"address": hardhatAddr, "signature_type": "safe",
		}))
		require.NoError(t, err)
		assert.Equal(t, "2", got.Load())
		assert.Equal(t, "safe", res.Identity["wallet_type"])
	})

	t.Run("unknown wallet", func(t *testing.T) {
		_, err := p.TestCredentials(context.Background(), clobBundle(map[string]string{
			"private_key": hardhatKey, "address": "0x00000000000000000000000000000000000000aa",
		}))
		var pe *ProbeError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, ProbeInvalidCredentials, pe.Kind)
		assert.Contains(t, pe.Message, "signature_type")
	})

	t.Run("bad signature_type", func(t *testing.T) {
		_, err := p.TestCredentials(context.Background(), clobBundle(map[string]string{
			"address": hardhatAddr, "signature_type": "7",
		}))
		var pe *ProbeError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, ProbeInvalidCredentials, pe.Kind)
	})
}

func TestPolymarketProber_MissingFields(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()
	p := NewPolymarketProber("polymarket", srv.URL, 0, srv.Client())

	tests := []model.CredentialBundle{
		{"api_key": "k", "api_secret": clobSecret, "private_key": hardhatKey},
		clobBundle(nil),
		clobBundle(map[string]string{"address": "not-an-address"}),
	}
	for _, creds := range tests {
		_, err := p.TestCredentials(context.Background(), creds)
		var pe *ProbeError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, ProbeInvalidCredentials, pe.Kind)
	}
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestPolymarketProber_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ProbeFailure
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"Unauthorized/Invalid api key"}`, ProbeInvalidCredentials},
		{"not whitelisted", http.StatusForbidden, `{"message":"ip not whitelisted"}`, ProbeAccessDenied},
		{"geoblocked", http.StatusForbidden, `{"message":"Trading restricted: GEOBLOCK"}`, ProbeAccessDenied},
		{"throttled", http.StatusTooManyRequests, `{"message":"slow down"}`, ProbeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewPolymarketProber("polymarket", srv.URL, 0, srv.Client())
			_, err := p.TestCredentials(context.Background(), clobBundle(map[string]string{"address": hardhatAddr}))
			var pe *ProbeError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, "polymarket", pe.Exchange)
		})
	}
}

func TestPolymarketProber_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"balance":"1"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPolymarketProber("polymarket", srv.URL, 0, srv.Client())
	_, err := p.TestCredentials(ctx, clobBundle(map[string]string{"address": hardhatAddr}))
	var pe *ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ProbeNetworkError, pe.Kind)
}
