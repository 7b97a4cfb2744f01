package event

import (
	"fmt"
	"math/big"

	"PerpAudit/internal/chain"
)

// Decode turns a raw log entry into its typed event. Unknown topics and
// malformed payloads return an error; callers skip the record and flag it in
// the report rather than aborting the sequence.
func Decode(lg chain.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("log has no topics")
	}
	sc, ok := SchemaFor(lg.Topics[0])
	if !ok {
		return nil, fmt.Errorf("unknown event topic %s", lg.Topics[0].Hex())
	}

	vals, err := sc.extract(lg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", sc.Kind, err)
	}

	meta := Meta{
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.LogIndex,
		TxHash:      lg.TxHash,
		Timestamp:   lg.Timestamp,
	}

	switch sc.Kind {
	case KindPositionCreated:
		return PositionCreated{
			Meta:             meta,
			PositionID:       vals.hash("positionId"),
			Owner:            vals.addr("owner"),
			Collateral:       vals.num("collateral"),
			Size:             vals.num("size"),
			Leverage:         vals.num("leverage"),
			EntryPrice:       vals.num("entryPrice"),
			LiquidationPrice: vals.num("liquidationPrice"),
			IsLong:           vals.boolean("isLong"),
		}, nil
	case KindPositionClosed:
		return PositionClosed{
			Meta:       meta,
			PositionID: vals.hash("positionId"),
			Owner:      vals.addr("owner"),
			ExitPrice:  vals.num("exitPrice"),
			PnL:        vals.num("pnl"),
		}, nil
	case KindPositionLiquidated:
		return PositionLiquidated{
			Meta:             meta,
			PositionID:       vals.hash("positionId"),
			Owner:            vals.addr("owner"),
			LiquidationPrice: vals.num("liquidationPrice"),
			PnL:              vals.num("pnl"),
		}, nil
	case KindCollateralSeized:
		return CollateralSeized{
			Meta:           meta,
			PositionID:     vals.hash("positionId"),
			Owner:          vals.addr("owner"),
			SeizedAmount:   vals.num("seizedAmount"),
			FundingPayment: vals.num("fundingPayment"),
			SeizedAt:       vals.num("seizedAt"),
		}, nil
	case KindLimitOrderCreated:
		return LimitOrderCreated{
			Meta:           meta,
			OrderID:        vals.hash("orderId"),
			Owner:          vals.addr("owner"),
			ExecutionPrice: vals.num("executionPrice"),
			Collateral:     vals.num("collateral"),
			Leverage:       vals.num("leverage"),
			IsLong:         vals.boolean("isLong"),
		}, nil
	case KindLimitOrderExecuted:
		return LimitOrderExecuted{
			Meta:           meta,
			OrderID:        vals.hash("orderId"),
			PositionID:     vals.hash("positionId"),
			ExecutionPrice: vals.num("executionPrice"),
		}, nil
	case KindLimitOrderCancelled:
		return LimitOrderCancelled{
			Meta:    meta,
			OrderID: vals.hash("orderId"),
			Owner:   vals.addr("owner"),
			Refund:  vals.num("refund"),
		}, nil
	case KindMarketCreated:
		return MarketCreated{
			Meta:            meta,
			PricefeedID:     vals.hash("pricefeedId"),
			PositionManager: vals.addr("positionManager"),
		}, nil
	case KindMarketLeverageUpdated:
		return MarketLeverageUpdated{
			Meta:        meta,
			PricefeedID: vals.hash("pricefeedId"),
			OldLeverage: vals.num("oldLeverage"),
			NewLeverage: vals.num("newLeverage"),
		}, nil
	case KindRoleGranted:
		return RoleGranted{
			Meta:    meta,
			Role:    vals.hash("role"),
			Account: vals.addr("account"),
			Sender:  vals.addr("sender"),
		}, nil
	case KindRoleRevoked:
		return RoleRevoked{
			Meta:    meta,
			Role:    vals.hash("role"),
			Account: vals.addr("account"),
			Sender:  vals.addr("sender"),
		}, nil
	default:
		return nil, fmt.Errorf("no constructor for kind %s", sc.Kind)
	}
}

// decoded holds extracted field values keyed by schema field name. Lookups
// cannot miss: the schema that produced the map defines the constructor's
// field names.
type decoded map[string]any

func (d decoded) hash(name string) chain.Hash    { h, _ := d[name].(chain.Hash); return h }
func (d decoded) addr(name string) chain.Address { a, _ := d[name].(chain.Address); return a }
func (d decoded) num(name string) *big.Int       { v, _ := d[name].(*big.Int); return v }
func (d decoded) boolean(name string) bool       { b, _ := d[name].(bool); return b }

// extract applies the schema's layouts to a raw log.
func (sc Schema) extract(lg chain.Log) (decoded, error) {
	if len(lg.Topics) != 1+len(sc.Topics) {
		return nil, fmt.Errorf("want %d indexed topics, got %d", len(sc.Topics), len(lg.Topics)-1)
	}
	if len(lg.Data) < 32*len(sc.Data) {
		return nil, fmt.Errorf("data too short: want %d words, got %d bytes", len(sc.Data), len(lg.Data))
	}

	vals := make(decoded, len(sc.Topics)+len(sc.Data))

	for i, f := range sc.Topics {
		topic := lg.Topics[i+1]
		v, err := decodeField(f, topic[:])
		if err != nil {
			return nil, fmt.Errorf("topic %s: %w", f.Name, err)
		}
		vals[f.Name] = v
	}

	for i, f := range sc.Data {
		word, err := chain.Word(lg.Data, i)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		v, err := decodeField(f, word)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		vals[f.Name] = v
	}

	return vals, nil
}

func decodeField(f Field, word []byte) (any, error) {
	switch f.Type {
	case FieldAddress:
		var h chain.Hash
		copy(h[:], word)
		return chain.AddressFromTopic(h), nil
	case FieldUint:
		return chain.U256(word), nil
	case FieldInt:
		return chain.S256(word), nil
	case FieldBool:
		v := chain.U256(word)
		if v.Sign() == 0 {
			return false, nil
		}
		if v.Cmp(big.NewInt(1)) == 0 {
			return true, nil
		}
		return nil, fmt.Errorf("bool word out of range: %s", v)
	case FieldBytes32:
		var h chain.Hash
		copy(h[:], word)
		return h, nil
	default:
		return nil, fmt.Errorf("unhandled field type %d", f.Type)
	}
}
