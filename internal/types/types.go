// Package types provides common type definitions for the memefolio system.
package types

// SwapStatus represents the terminal outcome of a single swap
type SwapStatus string

const (
	// SwapStatusSucceeded represents a confirmed swap with a realized quantity
	SwapStatusSucceeded SwapStatus = "succeeded"
	// SwapStatusFailed represents a swap that exhausted its retry budget
	SwapStatusFailed SwapStatus = "failed"
)

// Commitment represents the Solana confirmation level used when waiting on a signature
type Commitment string

const (
	// CommitmentProcessed is the lowest confirmation level (node has processed the transaction)
	CommitmentProcessed Commitment = "processed"
	// CommitmentConfirmed means a supermajority of the cluster voted on the block
	CommitmentConfirmed Commitment = "confirmed"
	// CommitmentFinalized means the block is rooted
	CommitmentFinalized Commitment = "finalized"
)

// Reaches reports whether a status observed at level c satisfies the wanted level.
func (c Commitment) Reaches(wanted Commitment) bool {
	return commitmentRank(c) >= commitmentRank(wanted)
}

func commitmentRank(c Commitment) int {
	switch c {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}

// JobName identifies a scheduled job for locking, logging and metrics
type JobName string

const (
	// JobPriceSync refreshes spot prices for tracked assets
	JobPriceSync JobName = "price_sync"
	// JobNetWorth appends a net-worth snapshot for every funded user
	JobNetWorth JobName = "net_worth"
	// JobCron runs price sync followed by net worth
	JobCron JobName = "cron"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
