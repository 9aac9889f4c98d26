package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/signer"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	credPrivateKey = "private_key"
	credAddress    = "address"

	DefaultChainID = 137
)

const (
	walletEOA      = "eoa"
	walletProxy    = "proxy"
	walletSafe     = "safe"
	walletContract = "contract"
)

type signatureVerifier interface {
	Verify(ctx context.Context, contractAddr string, hash []byte, signature string) (bool, error)
}

// WalletProber validates key material for on-chain venues. The private key must
// parse and either derive the configured address or, for contract wallets, be
// accepted by the wallet's isValidSignature. With an RPC endpoint the wallet
// balance must also be readable.
type WalletProber struct {
	Exchange string
	chainID  int64
	rpcURL   string
	verifier signatureVerifier
	now      func() time.Time

	mu     sync.Mutex
	client *ethclient.Client
}

func NewWalletProber(exchange, rpcURL string, chainID int64) *WalletProber {
	if chainID <= 0 {
		chainID = DefaultChainID
	}
	p := &WalletProber{Exchange: exchange, chainID: chainID, rpcURL: strings.TrimSpace(rpcURL), now: time.Now}
	if p.rpcURL != "" {
		p.verifier = NewEIP1271Verifier(p.rpcURL, time.Hour, 5*time.Second, 1)
	}
	return p
}

func (p *WalletProber) TestCredentials(ctx context.Context, creds model.CredentialBundle) (ProbeResult, error) {
	wc, err := parseWalletCredentials(creds)
	if err != nil {
		return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeInvalidCredentials, Message: err.Error()}
	}
	kind := derivedWalletKind(wc.signer, wc.wallet, p.chainID)
	identity := map[string]string{"address": wc.wallet.Hex(), "signer": wc.signer.Hex(), "wallet_type": kind}

	// proxy/safe 地址由 signer 经 CREATE2 唯一确定, 无需链上校验
	if wc.contractWallet() && kind == "" {
		if p.verifier == nil {
			return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeInvalidCredentials, Message: fmt.Sprintf("private_key does not control address %s", wc.wallet.Hex())}
		}
		ok, err := p.verifyOwnership(ctx, wc)
		if err != nil {
			return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeNetworkError, Message: "ownership check failed", Cause: err}
		}
		if !ok {
			return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeInvalidCredentials, Message: fmt.Sprintf("signer %s is not authorised for wallet %s", wc.signer.Hex(), wc.wallet.Hex())}
		}
		identity["wallet_type"] = walletContract
	}

	if p.rpcURL == "" {
		return ProbeResult{Success: true, Message: "key material verified offline", Identity: identity}, nil
	}
	client, err := p.getClient(ctx)
	if err != nil {
		return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeNetworkError, Message: "rpc unreachable", Cause: err}
	}
	balance, err := client.BalanceAt(ctx, wc.wallet, nil)
	if err != nil {
		return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeNetworkError, Message: "balance lookup failed", Cause: err}
	}
	identity["balance"] = balance.String()
	return ProbeResult{Success: true, Message: "ok", Identity: identity}, nil
}

// verifyOwnership signs an hourly challenge, so repeated probes within the hour
// produce the same signature and hit the verifier cache.
func (p *WalletProber) verifyOwnership(ctx context.Context, wc walletCredentials) (bool, error) {
	s, err := signer.NewSigner(wc.keyHex, p.chainID)
	if err != nil {
		return false, err
	}
	challenge := &signer.Challenge{
		Wallet:   wc.wallet,
		Signer:   wc.signer,
		Exchange: normalizeSlug(p.Exchange),
		Nonce:    big.NewInt(0),
		IssuedAt: big.NewInt(p.now().Truncate(time.Hour).Unix()),
	}
	digest, sig, err := s.SignChallenge(challenge)
	if err != nil {
		return false, err
	}
	return p.verifier.Verify(ctx, wc.wallet.Hex(), digest.Bytes(), sig)
}

func (p *WalletProber) getClient(ctx context.Context) (*ethclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := ethclient.DialContext(ctx, p.rpcURL)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

type walletCredentials struct {
	keyHex string
	signer common.Address
	wallet common.Address
}

func (w walletCredentials) contractWallet() bool {
	return w.wallet != w.signer
}

func parseWalletCredentials(creds model.CredentialBundle) (walletCredentials, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(creds[credPrivateKey]), "0x")
	if raw == "" {
		return walletCredentials{}, fmt.Errorf("private_key is required")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return walletCredentials{}, fmt.Errorf("private_key is not a valid secp256k1 key")
	}
	wc := walletCredentials{keyHex: raw, signer: crypto.PubkeyToAddress(key.PublicKey)}
	wc.wallet = wc.signer

	if expected := strings.TrimSpace(creds[credAddress]); expected != "" {
		if !common.IsHexAddress(expected) {
			return walletCredentials{}, fmt.Errorf("address %q is not a valid hex address", expected)
		}
		wc.wallet = common.HexToAddress(expected)
	}
	return wc, nil
}

// derivedWalletKind reports whether wallet is the signer itself or one of the
// signer's deterministic Polymarket proxy / Safe wallets. Empty means unknown.
func derivedWalletKind(signerAddr, wallet common.Address, chainID int64) string {
	if wallet == signerAddr {
		return walletEOA
	}
	if proxy, err := auth.DeriveProxyWalletForChain(signerAddr, chainID); err == nil && proxy == wallet {
		return walletProxy
	}
	if safe, err := auth.DeriveSafeWalletForChain(signerAddr, chainID); err == nil && safe == wallet {
		return walletSafe
	}
	return ""
}
