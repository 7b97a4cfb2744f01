package event

import (
	"math/big"

	"PerpAudit/internal/chain"
)

// Event is one decoded protocol event. Concrete types are tagged variants;
// consumers switch on the concrete type or on EventKind.
type Event interface {
	EventKind() Kind
	Block() uint64
}

// Meta carries the chain coordinates shared by every event.
type Meta struct {
	BlockNumber uint64
	LogIndex    uint32
	TxHash      chain.Hash
	Timestamp   uint64
}

func (m Meta) Block() uint64 { return m.BlockNumber }

type PositionCreated struct {
	Meta
	PositionID       chain.Hash
	Owner            chain.Address
	Collateral       *big.Int
	Size             *big.Int
	Leverage         *big.Int
	EntryPrice       *big.Int
	LiquidationPrice *big.Int
	IsLong           bool
}

func (PositionCreated) EventKind() Kind { return KindPositionCreated }

type PositionClosed struct {
	Meta
	PositionID chain.Hash
	Owner      chain.Address
	ExitPrice  *big.Int
	PnL        *big.Int // signed
}

func (PositionClosed) EventKind() Kind { return KindPositionClosed }

type PositionLiquidated struct {
	Meta
	PositionID       chain.Hash
	Owner            chain.Address
	LiquidationPrice *big.Int
	PnL              *big.Int // signed
}

func (PositionLiquidated) EventKind() Kind { return KindPositionLiquidated }

// CollateralSeized is the funding-liquidation settlement event.
type CollateralSeized struct {
	Meta
	PositionID     chain.Hash
	Owner          chain.Address
	SeizedAmount   *big.Int
	FundingPayment *big.Int // signed
	SeizedAt       *big.Int
}

func (CollateralSeized) EventKind() Kind { return KindCollateralSeized }

type LimitOrderCreated struct {
	Meta
	OrderID        chain.Hash
	Owner          chain.Address
	ExecutionPrice *big.Int
	Collateral     *big.Int
	Leverage       *big.Int
	IsLong         bool
}

func (LimitOrderCreated) EventKind() Kind { return KindLimitOrderCreated }

type LimitOrderExecuted struct {
	Meta
	OrderID        chain.Hash
	PositionID     chain.Hash
	ExecutionPrice *big.Int
}

func (LimitOrderExecuted) EventKind() Kind { return KindLimitOrderExecuted }

type LimitOrderCancelled struct {
	Meta
	OrderID chain.Hash
	Owner   chain.Address
	Refund  *big.Int
}

func (LimitOrderCancelled) EventKind() Kind { return KindLimitOrderCancelled }

type MarketCreated struct {
	Meta
	PricefeedID     chain.Hash
	PositionManager chain.Address
}

func (MarketCreated) EventKind() Kind { return KindMarketCreated }

type MarketLeverageUpdated struct {
	Meta
	PricefeedID chain.Hash
	OldLeverage *big.Int
	NewLeverage *big.Int
}

func (MarketLeverageUpdated) EventKind() Kind { return KindMarketLeverageUpdated }

type RoleGranted struct {
	Meta
	Role    chain.Hash
	Account chain.Address
	Sender  chain.Address
}

func (RoleGranted) EventKind() Kind { return KindRoleGranted }

type RoleRevoked struct {
	Meta
	Role    chain.Hash
	Account chain.Address
	Sender  chain.Address
}

func (RoleRevoked) EventKind() Kind { return KindRoleRevoked }
