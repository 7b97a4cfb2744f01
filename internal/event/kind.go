package event

// Kind identifies a decoded protocol event.
type Kind int32

const (
	KindUnknown Kind = iota
	KindPositionCreated
	KindPositionClosed
	KindPositionLiquidated
	KindCollateralSeized
	KindLimitOrderCreated
	KindLimitOrderExecuted
	KindLimitOrderCancelled
	KindMarketCreated
	KindMarketLeverageUpdated
	KindRoleGranted
	KindRoleRevoked
)

func (k Kind) String() string {
	switch k {
	case KindPositionCreated:
		return "position_created"
	case KindPositionClosed:
		return "position_closed"
	case KindPositionLiquidated:
		return "position_liquidated"
	case KindCollateralSeized:
		return "collateral_seized"
	case KindLimitOrderCreated:
		return "limit_order_created"
	case KindLimitOrderExecuted:
		return "limit_order_executed"
	case KindLimitOrderCancelled:
		return "limit_order_cancelled"
	case KindMarketCreated:
		return "market_created"
	case KindMarketLeverageUpdated:
		return "market_leverage_updated"
	case KindRoleGranted:
		return "role_granted"
	case KindRoleRevoked:
		return "role_revoked"
	default:
		return "unknown"
	}
}
