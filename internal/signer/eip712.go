package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Constants for EIP-712
const (
	EIP712DomainName    = "AccountGate Ownership"
	EIP712DomainVersion = "1"
)

var (
	// EIP712DomainTypeHash is the keccak256 hash of the EIP712Domain type definition
	// "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	EIP712DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	// ChallengeTypeHash is the keccak256 hash of the OwnershipChallenge type definition
	ChallengeTypeHash = crypto.Keccak256Hash([]byte("OwnershipChallenge(address wallet,address signer,string exchange,uint256 nonce,uint256 issuedAt)"))
)

// Challenge asks a key holder to prove it may act for a (possibly contract) wallet.
// The wallet is also the EIP-712 verifying contract.
type Challenge struct {
	Wallet   common.Address
	Signer   common.Address
	Exchange string
	Nonce    *big.Int
	IssuedAt *big.Int
}
