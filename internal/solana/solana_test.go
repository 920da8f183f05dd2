package solana

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildUnsignedTx assembles a v0 transaction with empty signature slots
func buildUnsignedTx(t *testing.T, signers [][]byte, others [][]byte) ([]byte, []byte) {
	t.Helper()

	message := []byte{versionPrefix, byte(len(signers)), 0, byte(len(others))}
	message = append(message, encodeCompactU16(len(signers)+len(others))...)
	for _, k := range append(append([][]byte{}, signers...), others...) {
		message = append(message, k...)
	}
	message = append(message, make([]byte, 32)...)    // recent blockhash
	message = append(message, encodeCompactU16(0)...) // instructions
	message = append(message, encodeCompactU16(0)...) // address table lookups

	tx := encodeCompactU16(len(signers))
	tx = append(tx, make([]byte, signatureSize*len(signers))...)
	return append(tx, message...), message
}

func TestKeypairRoundTrip(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)

	fromHex, err := ParseKeypair(kp.SecretHex())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), fromHex.PublicKey())

	fromPrefixed, err := ParseKeypair("0x" + kp.SecretHex())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), fromPrefixed.PublicKey())

	fromBase58, err := ParseKeypair(kp.SecretBase58())
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey(), fromBase58.PublicKey())

	pub, err := DecodePublicKey(kp.PublicKey())
	require.NoError(t, err)
	assert.Len(t, pub, ed25519.PublicKeySize)
}

func TestKeypairFromSecretRejectsMismatchedHalves(t *testing.T) {
	a, err := GenerateKeypair()
	require.NoError(t, err)
	b, err := GenerateKeypair()
	require.NoError(t, err)

	secret := append(append([]byte{}, a.private[:32]...), b.private[32:]...)
	_, err = KeypairFromSecret(secret)
	assert.Error(t, err)

	_, err = KeypairFromSecret(make([]byte, 10))
	assert.Error(t, err)
	_, err = ParseKeypair("not-a-key-0OIl")
	assert.Error(t, err)
}

func TestSignTransactionSingleSigner(t *testing.T) {
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	signerKey, _ := DecodePublicKey(kp.PublicKey())
	program := make([]byte, 32)
	program[0] = 7

	raw, message := buildUnsignedTx(t, [][]byte{signerKey}, [][]byte{program})

	signed, err := SignBase64Transaction(base64.StdEncoding.EncodeToString(raw), kp)
	require.NoError(t, err)

	sig := signed.Raw[1 : 1+signatureSize]
	assert.True(t, ed25519.Verify(signerKey, message, sig))
	assert.Equal(t, base58.Encode(sig), signed.Signature)
	assert.Equal(t, raw[1+signatureSize:], signed.Raw[1+signatureSize:], "message bytes untouched")
	assert.Equal(t, make([]byte, signatureSize), raw[1:1+signatureSize], "input not mutated")

	decoded, err := base64.StdEncoding.DecodeString(signed.Base64())
	require.NoError(t, err)
	assert.Equal(t, signed.Raw, decoded)
}

func TestSignTransactionSecondSlot(t *testing.T) {
	feePayer, err := GenerateKeypair()
	require.NoError(t, err)
	user, err := GenerateKeypair()
	require.NoError(t, err)
	payerKey, _ := DecodePublicKey(feePayer.PublicKey())
	userKey, _ := DecodePublicKey(user.PublicKey())

	raw, message := buildUnsignedTx(t, [][]byte{payerKey, userKey}, nil)

	signed, err := SignTransaction(raw, user)
	require.NoError(t, err)

	assert.Equal(t, make([]byte, signatureSize), signed.Raw[1:1+signatureSize], "fee payer slot left empty")
	assert.True(t, ed25519.Verify(userKey, message, signed.Raw[1+signatureSize:1+2*signatureSize]))
}

func TestSignTransactionRejectsForeignSigner(t *testing.T) {
	owner, _ := GenerateKeypair()
	stranger, _ := GenerateKeypair()
	ownerKey, _ := DecodePublicKey(owner.PublicKey())

	raw, _ := buildUnsignedTx(t, [][]byte{ownerKey}, nil)

	_, err := SignTransaction(raw, stranger)
	assert.ErrorIs(t, err, ErrSignerNotRequired)
}

func TestSignTransactionMalformed(t *testing.T) {
	kp, _ := GenerateKeypair()

	_, err := SignTransaction([]byte{1, 0, 0}, kp)
	assert.Error(t, err)

	_, err = SignBase64Transaction("%%%", kp)
	assert.Error(t, err)
}

func TestCompactU16(t *testing.T) {
	for _, v := range []int{0, 1, 127, 128, 255, 16383, 16384, 65535} {
		enc := encodeCompactU16(v)
		got, size, err := decodeCompactU16(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), size)
	}

	_, _, err := decodeCompactU16([]byte{0x80})
	assert.Error(t, err)
}
