package service

import (
	"context"
	stderrors "errors"

	apperrors "github.com/memefolio/internal/errors"
	"github.com/memefolio/internal/logging"
	"github.com/memefolio/internal/solana"
	"github.com/memefolio/internal/storage"
)

// WalletInfo is returned after a wallet save
type WalletInfo struct {
	ClerkID       string `json:"clerkId"`
	WalletAddress string `json:"walletAddress"`
	Created       bool   `json:"created"`
}

// RedeemResult carries the exported key. It is returned exactly once per user.
type RedeemResult struct {
	WalletAddress string `json:"walletAddress"`
	PrivateKey    string `json:"privateKey"`
}

// WalletService creates custodial wallets and exports their keys on redeem
type WalletService struct {
	users  UserRepository
	sealer KeySealer
	cache  PortfolioCache
}

// NewWalletService creates a new wallet service
func NewWalletService(users UserRepository, sealer KeySealer, cache PortfolioCache) *WalletService {
	return &WalletService{
		users:  users,
		sealer: sealer,
		cache:  cache,
	}
}

// SaveWallet makes sure clerkID has a custodial wallet. An existing wallet is
// returned unchanged.
func (s *WalletService) SaveWallet(ctx context.Context, clerkID, email string) (*WalletInfo, error) {
	if clerkID == "" {
		return nil, apperrors.NewInvalidParameterError("clerkId", "is required")
	}

	user, err := s.users.EnsureUser(ctx, clerkID, email)
	if err != nil {
		return nil, apperrors.NewPersistenceError("ensure user", err)
	}
	if user.HasWallet() {
		return &WalletInfo{ClerkID: clerkID, WalletAddress: user.WalletAddress}, nil
	}

	keypair, err := solana.GenerateKeypair()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to generate keypair", err)
	}
	sealed, err := s.sealer.Seal(keypair.SecretHex())
	if err != nil {
		return nil, apperrors.NewInternalError("failed to seal key", err)
	}

	if err := s.users.SaveWallet(ctx, clerkID, keypair.PublicKey(), sealed); err != nil {
		if stderrors.Is(err, storage.ErrConflict) {
			// Lost a race with a concurrent save; the stored wallet wins.
			existing, getErr := s.users.GetByClerkID(ctx, clerkID)
			if getErr != nil {
				return nil, apperrors.NewPersistenceError("load user", getErr)
			}
			return &WalletInfo{ClerkID: clerkID, WalletAddress: existing.WalletAddress}, nil
		}
		return nil, apperrors.NewPersistenceError("save wallet", err)
	}

	s.invalidate(ctx, clerkID)
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"clerkId": clerkID,
		"address": keypair.PublicKey(),
	}).Info("custodial wallet created")

	return &WalletInfo{ClerkID: clerkID, WalletAddress: keypair.PublicKey(), Created: true}, nil
}

// Redeem exports the wallet's private key as hex and marks the user redeemed.
// A second call fails with a conflict.
func (s *WalletService) Redeem(ctx context.Context, clerkID string) (*RedeemResult, error) {
	user, err := s.users.GetByClerkID(ctx, clerkID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("user", clerkID)
		}
		return nil, apperrors.NewPersistenceError("load user", err)
	}
	if !user.HasWallet() {
		return nil, apperrors.NewNotFoundError("wallet", clerkID)
	}
	if user.HasRedeemed {
		return nil, apperrors.NewConflictError("wallet key has already been redeemed")
	}

	secret, err := s.sealer.Open(user.SealedPrivateKey)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to open custodial key", err)
	}
	keypair, err := solana.ParseKeypair(secret)
	if err != nil {
		return nil, apperrors.NewInternalError("stored custodial key is malformed", err)
	}

	if err := s.users.MarkRedeemed(ctx, user.ID); err != nil {
		if stderrors.Is(err, storage.ErrConflict) {
			return nil, apperrors.NewConflictError("wallet key has already been redeemed")
		}
		return nil, apperrors.NewPersistenceError("mark redeemed", err)
	}

	s.invalidate(ctx, clerkID)
	logging.FromContext(ctx).WithField("clerkId", clerkID).Info("wallet key redeemed")

	return &RedeemResult{WalletAddress: user.WalletAddress, PrivateKey: keypair.SecretHex()}, nil
}

func (s *WalletService) invalidate(ctx context.Context, clerkID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidatePortfolios(ctx, clerkID); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("failed to invalidate portfolio cache")
	}
}
