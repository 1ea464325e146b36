package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"circuit/core/types"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestStoragePrefixes(t *testing.T) {
	require.Equal(t, "26aa394eea5630e07c48ae0c9558cef780d41e5e16056765bc8461851072c9d7",
		hex.EncodeToString(StoragePrefix("System", "Events")))
	require.Equal(t, "cd710b30bd2eab0352ddcc26417aa1941b3c252fcb29d88eff4f3de5de4476c3",
		hex.EncodeToString(StoragePrefix("Paras", "Heads")))

	concat := Twox64Concat([]byte{0, 0, 0, 0})
	require.Len(t, concat, 12)
	require.Equal(t, Twox64([]byte{0, 0, 0, 0}), concat[:8])
}

func TestCompressedKeyVectors(t *testing.T) {
	key, err := PrivateKeyFromBytes(mustHex(t, "115db6b0c74bef87e28879199e3ab3dda09ed0e7f0c3e1ff6cb92e228b221384"))
	require.NoError(t, err)
	pub := key.CompressedPubKey()
	require.Equal(t, "026c443c26ef9634344358a4848297ea45d09b59922aa4216c6e6ac97a7de37473", hex.EncodeToString(pub[:]))
	require.Equal(t, common.HexToAddress("3a68c6b6f010017c9b330a7c86d4b19c46ab677a"), key.EthAddress())

	addr, err := AddressFromCompressed(pub[:])
	require.NoError(t, err)
	require.Equal(t, key.EthAddress(), addr)

	other, err := AddressFromCompressed(mustHex(t, "03d5330de855c21e22da163c9528dc224dad1f3da4d511439f7019971ef74c8291"))
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("1e8f2abdffa8bf75802d24b5329d2351b6ab3486"), other)

	_, err = AddressFromCompressed([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestRawSignatureVector(t *testing.T) {
	msg := mustHex(t, "58cd0ea9f78f115b381b29bc7edaab46f214968c05ff24b6b14474e4e47cfcdd")
	sig := mustHex(t, "97748ab697916ad7992e8d000360b1a44c8faf6d98b70632a1ce826ff50e995e4335f3234bd6964a722ca7ef95b731568d53499e62b078346fcb5790c94833171b")
	signer := common.HexToAddress("3a68c6b6f010017c9b330a7c86d4b19c46ab677a")

	addr, err := RecoverAddress(msg, sig)
	require.NoError(t, err)
	require.Equal(t, signer, addr)
	require.True(t, VerifyEthSignature(signer, msg, sig))
	require.False(t, VerifyEthSignature(common.Address{1}, msg, sig))
}

func TestSignMessageRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	digest := Keccak256([]byte("batch"))

	sig, err := key.SignMessage(digest[:])
	require.NoError(t, err)
	require.Contains(t, []byte{27, 28}, sig[64])
	require.True(t, VerifyEthSignature(key.EthAddress(), digest[:], sig))

	raw, err := key.Sign(digest[:])
	require.NoError(t, err)
	require.True(t, VerifyEthSignature(key.EthAddress(), digest[:], raw))

	raw[10] ^= 0xff
	require.False(t, VerifyEthSignature(key.EthAddress(), digest[:], raw))
	_, err = RecoverAddress(digest[:], raw[:64])
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestEd25519Derivation(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	ed := key.Ed25519()
	require.Equal(t, ed, key.Ed25519())

	pub := []byte(ed.Public().(ed25519.PublicKey))
	msg := []byte("precommit")
	sig := ed25519.Sign(ed, msg)
	require.True(t, VerifyEd25519(pub, msg, sig))
	require.True(t, VerifyEd25519(pub, msg, append(sig, 0)))
	require.False(t, VerifyEd25519(pub, []byte("other"), sig))
	require.False(t, VerifyEd25519(pub[:31], msg, sig))
}

func TestBech32Accounts(t *testing.T) {
	id := types.AccountFromByte(0x03)
	encoded, err := EncodeAccount(AccountPrefix, id)
	require.NoError(t, err)
	prefix, decoded, err := DecodeAccount(encoded)
	require.NoError(t, err)
	require.Equal(t, AccountPrefix, prefix)
	require.Equal(t, id, decoded)

	_, _, err = DecodeAccount("not-bech32")
	require.Error(t, err)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "attester.keystore")
	require.NoError(t, SaveToKeystore(path, key, "secret"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadFromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), loaded.Bytes())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}
