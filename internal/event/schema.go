package event

import "PerpAudit/internal/chain"

// Signature hashes (topic0) of the protocol's events, as emitted on chain.
var (
	TopicPositionCreated       = chain.MustHash("0x52055f6ec9a38bd7aced9d289a234dc894a9537b635ebca189454066a91c7a36")
	TopicPositionClosed        = chain.MustHash("0x258651cd24729ce9fc1923a56102c05cf3e823b253bcf4a281216a12977f2e21")
	TopicPositionLiquidated    = chain.MustHash("0xf7b7ee46cb229f84d395ae4c43aa0be56002cb98c70620d034c4260f466b660e")
	TopicCollateralSeized      = chain.MustHash("0xced097b0da570807e22b200429af46d69228c4b438d8e9a2d27856dbbacc18b7")
	TopicLimitOrderCreated     = chain.MustHash("0x5511d235fbfb12958d439f034ca9a0738e274c73a692b46af3b83689551d19f1")
	TopicLimitOrderExecuted    = chain.MustHash("0xc85d1f102cb496b276a9b66500e11f48ac0d3572affca759865380f51c813e88")
	TopicLimitOrderCancelled   = chain.MustHash("0x421bffbe425e8b84fdaea1053afe0da97a6e8d858c1eb00c5b44d91e26b775db")
	TopicMarketCreated         = chain.MustHash("0x5eb977f82e9d0d89f65f05a56a99ab87e2ebb3909780e0b3642bec962789ba7a")
	TopicMarketLeverageUpdated = chain.MustHash("0x6abd022fae6db379ad68c476af024ac1a8a479e7321ed363e2f40ba415728e36")
	TopicRoleGranted           = chain.MustHash("0x2f8788117e7eff1d82e926ec794901d17c78024a50270940304540a733656f0d")
	TopicRoleRevoked           = chain.MustHash("0xf6391f5c32d9c69d2a47ea670b442974b53935d1edc7fd64eb21e047a839171b")
)

// TopicFor returns the signature hash for a kind, used to build log filters.
func TopicFor(k Kind) chain.Hash {
	for topic, sc := range schemas {
		if sc.Kind == k {
			return topic
		}
	}
	return chain.Hash{}
}

// FieldType is the decoded type of one event field.
type FieldType int

const (
	FieldAddress FieldType = iota
	FieldUint
	FieldInt
	FieldBool
	FieldBytes32
)

// Field describes one position in an event layout.
type Field struct {
	Name string
	Type FieldType
}

// Schema maps an event kind to its topic and data layouts. Topics holds the
// indexed parameters after topic0; Data holds the non-indexed parameters as
// consecutive 32-byte words.
type Schema struct {
	Kind   Kind
	Topics []Field
	Data   []Field
}

var schemas = map[chain.Hash]Schema{
	TopicPositionCreated: {
		Kind: KindPositionCreated,
		Topics: []Field{
			{Name: "positionId", Type: FieldBytes32},
			{Name: "owner", Type: FieldAddress},
		},
		Data: []Field{
			{Name: "collateral", Type: FieldUint},
			{Name: "size", Type: FieldUint},
			{Name: "leverage", Type: FieldUint},
			{Name: "entryPrice", Type: FieldUint},
			{Name: "liquidationPrice", Type: FieldUint},
			{Name: "isLong", Type: FieldBool},
		},
	},
	TopicPositionClosed: {
		Kind: KindPositionClosed,
		Topics: []Field{
			{Name: "positionId", Type: FieldBytes32},
			{Name: "owner", Type: FieldAddress},
		},
		Data: []Field{
			{Name: "exitPrice", Type: FieldUint},
			{Name: "pnl", Type: FieldInt},
		},
	},
	TopicPositionLiquidated: {
		Kind: KindPositionLiquidated,
		Topics: []Field{
			{Name: "positionId", Type: FieldBytes32},
			{Name: "owner", Type: FieldAddress},
		},
		Data: []Field{
			{Name: "liquidationPrice", Type: FieldUint},
			{Name: "pnl", Type: FieldInt},
		},
	},
	// CollateralSeized(bytes32,address,uint256,int256,uint256)
	TopicCollateralSeized: {
		Kind: KindCollateralSeized,
		Topics: []Field{
			{Name: "positionId", Type: FieldBytes32},
			{Name: "owner", Type: FieldAddress},
		},
		Data: []Field{
			{Name: "seizedAmount", Type: FieldUint},
			{Name: "fundingPayment", Type: FieldInt},
			{Name: "seizedAt", Type: FieldUint},
		},
	},
	TopicLimitOrderCreated: {
		Kind: KindLimitOrderCreated,
		Topics: []Field{
			{Name: "orderId", Type: FieldBytes32},
			{Name: "owner", Type: FieldAddress},
		},
		Data: []Field{
			{Name: "executionPrice", Type: FieldUint},
			{Name: "collateral", Type: FieldUint},
			{Name: "leverage", Type: FieldUint},
			{Name: "isLong", Type: FieldBool},
		},
	},
	TopicLimitOrderExecuted: {
		Kind: KindLimitOrderExecuted,
		Topics: []Field{
			{Name: "orderId", Type: FieldBytes32},
			{Name: "positionId", Type: FieldBytes32},
		},
		Data: []Field{
			{Name: "executionPrice", Type: FieldUint},
		},
	},
	TopicLimitOrderCancelled: {
		Kind: KindLimitOrderCancelled,
		Topics: []Field{
			{Name: "orderId", Type: FieldBytes32},
			{Name: "owner", Type: FieldAddress},
		},
		Data: []Field{
			{Name: "refund", Type: FieldUint},
		},
	},
	TopicMarketCreated: {
		Kind: KindMarketCreated,
		Topics: []Field{
			{Name: "pricefeedId", Type: FieldBytes32},
			{Name: "positionManager", Type: FieldAddress},
		},
	},
	TopicMarketLeverageUpdated: {
		Kind: KindMarketLeverageUpdated,
		Topics: []Field{
			{Name: "pricefeedId", Type: FieldBytes32},
		},
		Data: []Field{
			{Name: "oldLeverage", Type: FieldUint},
			{Name: "newLeverage", Type: FieldUint},
		},
	},
	TopicRoleGranted: {
		Kind: KindRoleGranted,
		Topics: []Field{
			{Name: "role", Type: FieldBytes32},
			{Name: "account", Type: FieldAddress},
			{Name: "sender", Type: FieldAddress},
		},
	},
	TopicRoleRevoked: {
		Kind: KindRoleRevoked,
		Topics: []Field{
			{Name: "role", Type: FieldBytes32},
			{Name: "account", Type: FieldAddress},
			{Name: "sender", Type: FieldAddress},
		},
	},
}

// SchemaFor looks up the layout for a topic0 hash.
func SchemaFor(topic0 chain.Hash) (Schema, bool) {
	sc, ok := schemas[topic0]
	return sc, ok
}
