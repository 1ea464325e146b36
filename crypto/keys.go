package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"circuit/core/types"
)

// AccountPrefix is the human readable part used when displaying account ids.
const AccountPrefix = "circ"

var (
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
)

// EncodeAccount renders an account id as bech32 with the given prefix.
func EncodeAccount(prefix string, id types.AccountID) (string, error) {
	conv, err := bech32.ConvertBits(id[:], 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, conv)
}

// DecodeAccount parses a bech32 account id and returns its prefix.
func DecodeAccount(s string) (string, types.AccountID, error) {
	var id types.AccountID
	prefix, decoded, err := bech32.Decode(s)
	if err != nil {
		return "", id, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return "", id, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != len(id) {
		return "", id, fmt.Errorf("account must be 32 bytes, got %d", len(conv))
	}
	copy(id[:], conv)
	return prefix, id, nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32 byte secret.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// CompressedPubKey returns the 33 byte compressed secp256k1 public key.
func (k *PrivateKey) CompressedPubKey() [33]byte {
	var out [33]byte
	copy(out[:], crypto.CompressPubkey(&k.PrivateKey.PublicKey))
	return out
}

// EthAddress returns the Ethereum address of the key.
func (k *PrivateKey) EthAddress() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

// Sign signs a 32 byte digest and returns R ‖ S ‖ V with V in {27, 28}.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, k.PrivateKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// SignMessage signs the EIP-191 personal message hash of msg, matching
// ethers' signMessage.
func (k *PrivateKey) SignMessage(msg []byte) ([]byte, error) {
	return k.Sign(accounts.TextHash(msg))
}

// Ed25519 derives the attester's ed25519 key from the secp256k1 secret.
func (k *PrivateKey) Ed25519() ed25519.PrivateKey {
	seed := Blake2_256(append(k.Bytes(), []byte("ed25519")...))
	return ed25519.NewKeyFromSeed(seed[:])
}

// Sr25519Public derives the 32 byte sr25519 public key material registered
// with an attester. The circuit stores it but never verifies with it.
func (k *PrivateKey) Sr25519Public() [32]byte {
	return Blake2_256(append(k.Bytes(), []byte("sr25519")...))
}

// AddressFromCompressed derives the Ethereum address of a compressed key.
func AddressFromCompressed(pub []byte) (common.Address, error) {
	key, err := crypto.DecompressPubkey(pub)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return crypto.PubkeyToAddress(*key), nil
}

// RecoverAddress recovers the signer of digest. V may be 0/1 or 27/28.
func RecoverAddress(digest []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 || len(digest) != 32 {
		return common.Address{}, ErrInvalidSignature
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, ErrInvalidSignature
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyEthSignature reports whether sig was produced by signer over digest,
// either directly or through the EIP-191 personal message hash of digest.
func VerifyEthSignature(signer common.Address, digest []byte, sig []byte) bool {
	if addr, err := RecoverAddress(digest, sig); err == nil && addr == signer {
		return true
	}
	if addr, err := RecoverAddress(accounts.TextHash(digest), sig); err == nil && addr == signer {
		return true
	}
	return false
}

// VerifyEd25519 checks a 64 byte ed25519 signature. A trailing padding byte,
// used to fit the 65 byte attestation slot, is ignored.
func VerifyEd25519(pub []byte, msg []byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	if len(sig) == ed25519.SignatureSize+1 {
		sig = sig[:ed25519.SignatureSize]
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// AccountFromPubKey derives the local account id of an ECDSA key.
func AccountFromPubKey(pub [33]byte) types.AccountID {
	return types.AccountID(Blake2_256(pub[:]))
}

// EqualAddress compares an address against raw bytes.
func EqualAddress(addr common.Address, raw []byte) bool {
	return bytes.Equal(addr.Bytes(), raw)
}
