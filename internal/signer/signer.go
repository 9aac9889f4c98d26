package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewSigner parses a hex private key (0x prefix optional).
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key is required")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %v", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// DomainSeparator = keccak256(abi.encode(typeHash, keccak256(name), keccak256(version), chainId, verifyingContract))
func DomainSeparator(chainID *big.Int, verifyingContract common.Address) common.Hash {
	// All fields are 32 bytes
	data := make([]byte, 32*5)
	copy(data[0:32], EIP712DomainTypeHash.Bytes())
	copy(data[32:64], crypto.Keccak256([]byte(EIP712DomainName)))
	copy(data[64:96], crypto.Keccak256([]byte(EIP712DomainVersion)))
	copy(data[96:128], math.U256Bytes(new(big.Int).Set(chainID)))
	copy(data[128+12:160], verifyingContract.Bytes())
	return crypto.Keccak256Hash(data)
}

// hashStruct = keccak256(abi.encode(typeHash, wallet, signer, keccak256(exchange), nonce, issuedAt))
func hashStruct(c *Challenge) []byte {
	data := make([]byte, 32*6)
	copy(data[0:32], ChallengeTypeHash.Bytes())
	copy(data[32+12:64], c.Wallet.Bytes())
	copy(data[64+12:96], c.Signer.Bytes())
	copy(data[96:128], crypto.Keccak256([]byte(c.Exchange)))
	if c.Nonce != nil {
		copy(data[128:160], math.U256Bytes(new(big.Int).Set(c.Nonce)))
	}
	if c.IssuedAt != nil {
		copy(data[160:192], math.U256Bytes(new(big.Int).Set(c.IssuedAt)))
	}
	return crypto.Keccak256(data)
}

// Digest is keccak256("\x19\x01" || domainSeparator || hashStruct(challenge)).
func Digest(c *Challenge, chainID *big.Int) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, DomainSeparator(chainID, c.Wallet).Bytes(), hashStruct(c))
}

// SignChallenge fills in the signer address when empty and returns the digest
// together with a 65 byte [R || S || V] signature, V in {27,28}.
func (s *Signer) SignChallenge(c *Challenge) (common.Hash, string, error) {
	if c.Signer == (common.Address{}) {
		c.Signer = s.address
	}
	digest := Digest(c, s.chainID)
	signature, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return common.Hash{}, "", err
	}
	// crypto.Sign returns V as 0/1; contract wallets expect 27/28
	if signature[64] < 27 {
		signature[64] += 27
	}
	return digest, hexutil.Encode(signature), nil
}

// Recover returns the EOA that produced signature over digest.
func Recover(digest common.Hash, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyChallenge checks an EOA signature against the challenge's signer field.
func VerifyChallenge(c *Challenge, signature string, chainID int64) error {
	recovered, err := Recover(Digest(c, big.NewInt(chainID)), signature)
	if err != nil {
		return err
	}
	if recovered != c.Signer {
		return fmt.Errorf("signature recovered %s, expected %s", recovered.Hex(), c.Signer.Hex())
	}
	return nil
}
