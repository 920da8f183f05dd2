package solana

import (
	"crypto/ed25519"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAddress(t *testing.T) string {
	t.Helper()
	kp, err := GenerateKeypair()
	require.NoError(t, err)
	return kp.PublicKey()
}

func TestFindAssociatedTokenAddress(t *testing.T) {
	owner := newAddress(t)
	mint := newAddress(t)

	first, err := FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	second, err := FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	raw, err := DecodePublicKey(first)
	require.NoError(t, err)
	assert.False(t, IsOnCurve(raw), "program addresses have no private key")

	other, err := FindAssociatedTokenAddress(newAddress(t), mint)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	_, err = FindAssociatedTokenAddress("not-an-address", mint)
	assert.Error(t, err)
}

func TestIsOnCurve(t *testing.T) {
	key, err := DecodePublicKey(newAddress(t))
	require.NoError(t, err)
	assert.True(t, IsOnCurve(key))
}

func TestNewLegacyTransactionFundingLayout(t *testing.T) {
	payer, err := GenerateKeypair()
	require.NoError(t, err)
	recipient := newAddress(t)
	mint := newAddress(t)
	blockhash := base58.Encode(make([]byte, 32))

	source, err := FindAssociatedTokenAddress(payer.PublicKey(), mint)
	require.NoError(t, err)
	destination, err := FindAssociatedTokenAddress(recipient, mint)
	require.NoError(t, err)
	create, err := CreateAssociatedTokenAccountIdempotent(payer.PublicKey(), recipient, mint)
	require.NoError(t, err)

	raw, err := NewLegacyTransaction(payer.PublicKey(), blockhash,
		SystemTransfer(payer.PublicKey(), recipient, 5_000_000),
		create,
		TokenTransferChecked(source, mint, destination, payer.PublicKey(), 25_000_000, 6),
	)
	require.NoError(t, err)

	msg, err := ParseLegacyTransaction(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageHeader{RequiredSignatures: 1, ReadonlySignedAccounts: 0, ReadonlyUnsignedAccounts: 4}, msg.Header)
	require.Len(t, msg.AccountKeys, 8)
	assert.Equal(t, payer.PublicKey(), msg.AccountKeys[0])
	assert.ElementsMatch(t, []string{recipient, destination, source}, msg.AccountKeys[1:4])
	assert.ElementsMatch(t, []string{mint, SystemProgramID, TokenProgramID, AssociatedTokenAccountProgramID}, msg.AccountKeys[4:])
	assert.Equal(t, blockhash, msg.RecentBlockhash)

	require.Len(t, msg.Instructions, 3)
	transfer := msg.Instructions[0]
	assert.Equal(t, SystemProgramID, msg.ProgramID(transfer))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(transfer.Data))
	assert.Equal(t, uint64(5_000_000), binary.LittleEndian.Uint64(transfer.Data[4:]))
	assert.Equal(t, recipient, msg.AccountKeys[transfer.Accounts[1]])

	assert.Equal(t, AssociatedTokenAccountProgramID, msg.ProgramID(msg.Instructions[1]))
	assert.Equal(t, []byte{1}, msg.Instructions[1].Data)
	assert.Equal(t, destination, msg.AccountKeys[msg.Instructions[1].Accounts[1]])

	tokens := msg.Instructions[2]
	assert.Equal(t, TokenProgramID, msg.ProgramID(tokens))
	assert.Equal(t, byte(12), tokens.Data[0])
	assert.Equal(t, uint64(25_000_000), binary.LittleEndian.Uint64(tokens.Data[1:9]))
	assert.Equal(t, byte(6), tokens.Data[9])
	assert.Equal(t, source, msg.AccountKeys[tokens.Accounts[0]])
	assert.Equal(t, destination, msg.AccountKeys[tokens.Accounts[2]])

	signed, err := SignTransaction(raw, payer)
	require.NoError(t, err)
	payerKey, _ := DecodePublicKey(payer.PublicKey())
	assert.True(t, ed25519.Verify(payerKey, signed.Raw[1+signatureSize:], signed.Raw[1:1+signatureSize]))
}

func TestNewLegacyTransactionRejectsBadInput(t *testing.T) {
	payer := newAddress(t)
	blockhash := base58.Encode(make([]byte, 32))

	_, err := NewLegacyTransaction(payer, blockhash)
	assert.Error(t, err, "no instructions")

	_, err = NewLegacyTransaction(payer, "short", SystemTransfer(payer, newAddress(t), 1))
	assert.Error(t, err, "bad blockhash")
}

func TestParseLegacyTransactionRejectsTruncated(t *testing.T) {
	payer := newAddress(t)
	raw, err := NewLegacyTransaction(payer, base58.Encode(make([]byte, 32)), SystemTransfer(payer, newAddress(t), 1))
	require.NoError(t, err)

	_, err = ParseLegacyTransaction(raw[:len(raw)-4])
	assert.Error(t, err)
}
