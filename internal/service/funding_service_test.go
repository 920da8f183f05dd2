package service

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/solana"
)

func TestFundWalletFromZero(t *testing.T) {
	chain := newFakeChain()
	chain.funds = decimal.Zero
	treasury := testSigner(t)
	owner := testSigner(t).PublicKey()

	result, err := testFunder(chain, treasury).FundWallet(context.Background(), owner, decimal.NewFromInt(20))
	require.NoError(t, err)

	assert.True(t, result.Funded())
	assert.Equal(t, 1, result.Attempts)
	assert.True(t, result.Tokens.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, DefaultFeeReserveLamports, result.Lamports)
	assert.True(t, chain.funds.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, DefaultFeeReserveLamports, chain.lamports[owner])

	require.Len(t, chain.fundings, 1)
	msg := chain.fundings[0]
	assert.Equal(t, treasury.PublicKey(), msg.AccountKeys[0], "treasury pays")
	require.Len(t, msg.Instructions, 3)
	assert.Equal(t, solana.SystemProgramID, msg.ProgramID(msg.Instructions[0]))
	assert.Equal(t, solana.AssociatedTokenAccountProgramID, msg.ProgramID(msg.Instructions[1]), "token account created when missing")

	transfer := msg.Instructions[2]
	assert.Equal(t, solana.TokenProgramID, msg.ProgramID(transfer))
	assert.Equal(t, uint64(20_000_000), binary.LittleEndian.Uint64(transfer.Data[1:9]))
	destination, err := solana.FindAssociatedTokenAddress(owner, testReferenceMint)
	require.NoError(t, err)
	assert.Equal(t, destination, msg.AccountKeys[transfer.Accounts[2]])
}

func TestFundWalletSendsOnlyShortfall(t *testing.T) {
	chain := newFakeChain()
	chain.funds = decimal.RequireFromString("12.5")
	owner := testSigner(t).PublicKey()
	chain.lamports[owner] = 1_000_000

	result, err := testFunder(chain, testSigner(t)).FundWallet(context.Background(), owner, decimal.NewFromInt(20))
	require.NoError(t, err)

	assert.True(t, result.Tokens.Equal(decimal.RequireFromString("7.5")))
	assert.Equal(t, uint64(4_000_000), result.Lamports)
	assert.True(t, chain.funds.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, DefaultFeeReserveLamports, chain.lamports[owner])
}

func TestFundWalletAlreadyFunded(t *testing.T) {
	chain := newFakeChain()
	owner := testSigner(t).PublicKey()
	chain.lamports[owner] = DefaultFeeReserveLamports

	result, err := testFunder(chain, testSigner(t)).FundWallet(context.Background(), owner, decimal.NewFromInt(20))
	require.NoError(t, err)

	assert.False(t, result.Funded())
	assert.Zero(t, chain.fundingSends)
}

func TestFundWalletRetriesFailedSend(t *testing.T) {
	chain := newFakeChain()
	chain.funds = decimal.Zero
	chain.fundingFailures = 2
	owner := testSigner(t).PublicKey()

	result, err := testFunder(chain, testSigner(t)).FundWallet(context.Background(), owner, decimal.NewFromInt(20))
	require.NoError(t, err)

	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, chain.fundingSends)
	assert.Len(t, chain.fundings, 1, "paid once")
	assert.True(t, chain.funds.Equal(decimal.NewFromInt(20)))
}

func TestFundWalletGivesUpAfterThreeAttempts(t *testing.T) {
	chain := newFakeChain()
	chain.funds = decimal.Zero
	chain.fundingFailures = 10

	_, err := testFunder(chain, testSigner(t)).FundWallet(context.Background(), testSigner(t).PublicKey(), decimal.NewFromInt(20))

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeWalletFunding))
	assert.Equal(t, 3, chain.fundingSends)
	assert.True(t, chain.funds.IsZero())
}

func TestFundWalletRejectsBadInput(t *testing.T) {
	funder := testFunder(newFakeChain(), testSigner(t))

	_, err := funder.FundWallet(context.Background(), "", decimal.NewFromInt(20))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParameter))

	_, err = funder.FundWallet(context.Background(), testSigner(t).PublicKey(), decimal.NewFromInt(-1))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidParameter))
}
