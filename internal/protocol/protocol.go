// Package protocol holds the read-only view bindings for the four per-market
// contracts (position manager, order manager, vault, funding tracker) plus
// the registry and the collateral token. All calls go through one Reader
// pinned to a boundary block so a reconciliation run sees a single
// consistent snapshot.
package protocol

import (
	"math/big"

	"PerpAudit/internal/chain"
)

// Protocol-wide deployment constants.
var (
	// MarketRegistry is the factory that emits MarketCreated and resolves
	// each market's contract quartet.
	MarketRegistry = chain.MustAddress("0x60f16b09a15f0c3210b40a735b19a6baf235dd18")

	// Stablecoin is the protocol-wide accepted collateral token (USDC).
	Stablecoin = chain.MustAddress("0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E")
)

// DeployBlock is the first block of interest: the protocol's deployment.
const DeployBlock uint64 = 63_000_000

// StablecoinDecimals is the collateral token's declared decimal count.
const StablecoinDecimals int32 = 6

// Side selects the long or short book.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

// Position is the detail tuple returned by the position manager.
type Position struct {
	Owner            chain.Address
	Collateral       *big.Int
	Size             *big.Int
	Leverage         *big.Int
	EntryPrice       *big.Int
	LiquidationPrice *big.Int
	IsLong           bool
	OpenedAt         uint64
}

// Notional is the position's size in value terms, independent of the
// collateral posted.
func (p Position) Notional() *big.Int {
	return new(big.Int).Set(p.Size)
}

// VaultFlows are the vault's self-reported counters. Advisory only: a
// privileged withdrawal path can bypass them, so they are a discrepancy
// signal, never a solvency input.
type VaultFlows struct {
	Inflows             *big.Int
	Outflows            *big.Int
	NetFlow             *big.Int
	IsUnderFunded       bool
	WithdrawableAddress chain.Address
}

// FundingState is the funding tracker's live view.
type FundingState struct {
	CurrentRate  *big.Int // signed, chain-scaled
	CurrentEpoch uint64
	EpochSize    uint64 // seconds
	TotalLongs   *big.Int
	TotalShorts  *big.Int
	Direction    int // -1 shorts dominate, 0 balanced, +1 longs dominate
}

// Epoch is one stored funding-rate snapshot.
type Epoch struct {
	Sequence        uint64
	StartTimestamp  uint64
	NextTimestamp   uint64
	Rate            *big.Int // signed, chain-scaled
	Direction       int
	CumulativeIndex *big.Int // signed, chain-scaled
}
