package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/auth"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/clobtypes"
	sdkerrors "github.com/GoPolymarket/polymarket-go-sdk/pkg/errors"
	"github.com/GoPolymarket/polymarket-go-sdk/pkg/transport"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

const (
	DefaultPolymarketCLOB = "https://clob.polymarket.com"

	credAPIPassphrase = "api_passphrase"
	credSignatureType = "signature_type"

	// USDC collateral has 6 decimals.
	collateralDecimals = 6
)

// PolymarketProber tests CLOB L2 credentials with an authenticated collateral
// balance read. The L2 headers need the signer address only, so a bundle may
// carry either the private key or the bare address.
type PolymarketProber struct {
	Exchange string
	baseURL  string
	chainID  int64
	doer     transport.Doer
}

func NewPolymarketProber(exchange, baseURL string, chainID int64, doer transport.Doer) *PolymarketProber {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultPolymarketCLOB
	}
	if chainID <= 0 {
		chainID = auth.PolygonChainID
	}
	return &PolymarketProber{Exchange: exchange, baseURL: strings.TrimSpace(baseURL), chainID: chainID, doer: doer}
}

func (p *PolymarketProber) TestCredentials(ctx context.Context, creds model.CredentialBundle) (ProbeResult, error) {
	apiKey := &auth.APIKey{
		Key:        strings.TrimSpace(creds[credAPIKey]),
		Secret:     strings.TrimSpace(creds[credAPISecret]),
		Passphrase: strings.TrimSpace(creds[credAPIPassphrase]),
	}
	if apiKey.Key == "" || apiKey.Secret == "" || apiKey.Passphrase == "" {
		return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeInvalidCredentials, Message: "api_key, api_secret and api_passphrase are required"}
	}

	sdkSigner, wallet, err := p.signerFor(creds)
	if err != nil {
		return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeInvalidCredentials, Message: err.Error()}
	}
	sigType, walletType, err := p.signatureType(creds, sdkSigner.Address(), wallet)
	if err != nil {
		return ProbeResult{}, &ProbeError{Exchange: p.Exchange, Kind: ProbeInvalidCredentials, Message: err.Error()}
	}

	// 每次探测新建 transport, SetAuth 会修改共享状态
	client := clob.NewClient(transport.NewClient(p.doer, p.baseURL)).WithAuth(sdkSigner, apiKey)
	st := int(sigType)
	resp, err := client.BalanceAllowance(ctx, &clobtypes.BalanceAllowanceRequest{
		AssetType:     clobtypes.AssetTypeCollateral,
		SignatureType: &st,
	})
	if err != nil {
		return ProbeResult{}, p.classify(err)
	}

	identity := map[string]string{
		"address":     wallet.Hex(),
		"signer":      sdkSigner.Address().Hex(),
		"wallet_type": walletType,
	}
	if raw := strings.TrimSpace(resp.Balance); raw != "" {
		if units, err := decimal.NewFromString(raw); err == nil {
			identity["balance"] = units.Shift(-collateralDecimals).String()
		}
	}
	return ProbeResult{Success: true, Message: "ok", Identity: identity}, nil
}

func (p *PolymarketProber) signerFor(creds model.CredentialBundle) (auth.Signer, common.Address, error) {
	if strings.TrimSpace(creds[credPrivateKey]) != "" {
		wc, err := parseWalletCredentials(creds)
		if err != nil {
			return nil, common.Address{}, err
		}
		s, err := auth.NewPrivateKeySigner(wc.keyHex, p.chainID)
		if err != nil {
			return nil, common.Address{}, fmt.Errorf("private_key rejected: %w", err)
		}
		return s, wc.wallet, nil
	}
	addr := strings.TrimSpace(creds[credAddress])
	if addr == "" {
		return nil, common.Address{}, fmt.Errorf("private_key or address is required")
	}
	s, err := newAddressSigner(addr, p.chainID)
	if err != nil {
		return nil, common.Address{}, err
	}
	return s, s.Address(), nil
}

// signatureType honours an explicit signature_type and otherwise infers it from
// the deterministic proxy / safe address of the signer.
func (p *PolymarketProber) signatureType(creds model.CredentialBundle, signerAddr, wallet common.Address) (auth.SignatureType, string, error) {
	if raw := strings.TrimSpace(creds[credSignatureType]); raw != "" {
		switch strings.ToLower(raw) {
		case "0", "eoa":
			return auth.SignatureEOA, walletEOA, nil
		case "1", "proxy":
			return auth.SignatureProxy, walletProxy, nil
		case "2", "safe":
			return auth.SignatureGnosisSafe, walletSafe, nil
		default:
			return 0, "", fmt.Errorf("signature_type %q is not one of eoa, proxy, safe", raw)
		}
	}
	switch kind := derivedWalletKind(signerAddr, wallet, p.chainID); kind {
	case walletProxy:
		return auth.SignatureProxy, kind, nil
	case walletSafe:
		return auth.SignatureGnosisSafe, kind, nil
	case walletEOA:
		return auth.SignatureEOA, kind, nil
	default:
		return 0, "", fmt.Errorf("address %s is neither the signer nor its derived proxy/safe wallet, set signature_type", wallet.Hex())
	}
}

func (p *PolymarketProber) classify(err error) *ProbeError {
	pe := &ProbeError{Exchange: p.Exchange, Message: err.Error(), Cause: err}
	var status interface{ StatusCode() int }
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		pe.Kind, pe.Message = ProbeNetworkError, "probe timed out"
	case errors.Is(err, sdkerrors.ErrGeoblocked):
		pe.Kind = ProbeAccessDenied
	case errors.Is(err, sdkerrors.ErrRateLimitExceeded):
		pe.Kind = ProbeRateLimited
	case errors.As(err, &status) && status.StatusCode() == 429:
		pe.Kind, pe.Message = ProbeRateLimited, "429 too many requests"
	case errors.Is(err, sdkerrors.ErrUnauthorized), errors.Is(err, sdkerrors.ErrInvalidSignature):
		// 401 和 403 都映射为 ErrUnauthorized, 靠服务端消息区分
		upstream := strings.TrimPrefix(err.Error(), sdkerrors.ErrUnauthorized.Error()+": ")
		if classifyMessage(upstream) == ProbeAccessDenied {
			pe.Kind = ProbeAccessDenied
		} else {
			pe.Kind = ProbeInvalidCredentials
		}
	default:
		pe.Kind = ProbeNetworkError
	}
	return pe
}

// addressSigner carries an address for L2 headers; it cannot sign typed data.
type addressSigner struct {
	address common.Address
	chainID *big.Int
}

func newAddressSigner(address string, chainID int64) (*addressSigner, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("address %q is not a valid hex address", address)
	}
	return &addressSigner{address: common.HexToAddress(address), chainID: big.NewInt(chainID)}, nil
}

func (s *addressSigner) Address() common.Address { return s.address }

func (s *addressSigner) ChainID() *big.Int { return new(big.Int).Set(s.chainID) }

func (s *addressSigner) SignTypedData(*apitypes.TypedDataDomain, apitypes.Types, apitypes.TypedDataMessage, string) ([]byte, error) {
	return nil, errors.New("address-only signer cannot sign typed data")
}
