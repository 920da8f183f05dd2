package models

import (
	"time"
)

// User owns one custodial wallet, one portfolio and one net worth history.
// ClerkID is the identity provider's user id and is what the outer layers key on.
type User struct {
	ID                 string             `json:"id" db:"id"`
	ClerkID            string             `json:"clerkId" db:"clerk_id"`
	Email              string             `json:"email,omitempty" db:"email"`
	WalletAddress      string             `json:"walletAddress,omitempty" db:"wallet_address"`
	SealedPrivateKey   string             `json:"-" db:"sealed_private_key"`
	HasRedeemed        bool               `json:"hasRedeemed" db:"has_redeemed"`
	Portfolio          []PortfolioHolding `json:"portfolio" db:"portfolio"`
	NetWorthHistory    NetWorthHistory    `json:"netWorthHistory" db:"net_worth_history"`
	LastNetWorthUpdate *time.Time         `json:"lastNetWorthUpdate,omitempty" db:"last_net_worth_update"`
	PurchasedAt        *time.Time         `json:"purchasedAt,omitempty" db:"purchased_at"`
	CreatedAt          time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time          `json:"updatedAt" db:"updated_at"`
}

// HasWallet reports whether a custodial wallet has been stored
func (u *User) HasWallet() bool {
	return u.WalletAddress != "" && u.SealedPrivateKey != ""
}

// NetWorthUpdate is one user's row in a net worth batch write
type NetWorthUpdate struct {
	UserID    string
	ClerkID   string
	History   NetWorthHistory
	Snapshot  NetWorthSnapshot
	UpdatedAt time.Time
}
