package protocol

import (
	"context"
	"fmt"
	"math/big"

	"PerpAudit/internal/chain"
)

// Function selectors, derived from the verified contracts' canonical
// signatures.
var (
	selPositionManagerAddr = chain.Selector("getPositionManagerAddress(bytes32)")
	selOrderManagerAddr    = chain.Selector("getOrderManagerAddress(bytes32)")
	selVaultAddr           = chain.Selector("getVaultAddress(bytes32)")
	selFundingManagerAddr  = chain.Selector("getFundingManagerAddress(bytes32)")
	selCollateralToken     = chain.Selector("collateralTokenAddress()")
	selBalanceOf           = chain.Selector("balanceOf(address)")
	selActivePositionIDs   = chain.Selector("getAllActivePositionIds()")
	selPositionByID        = chain.Selector("getPositionById(bytes32)")
	selCalculatePnL        = chain.Selector("calculatePnL(bytes32,uint256)")
	selLiqPricesLong       = chain.Selector("findLiquidatablePricesLong(uint256)")
	selLiqPricesShort      = chain.Selector("findLiquidatablePricesShorts(uint256)")
	selLiqMappings         = chain.Selector("getLiquidationMappingsFromPrice(uint256)")
	selInflows             = chain.Selector("inflows()")
	selOutflows            = chain.Selector("outflows()")
	selNetFlow             = chain.Selector("netFlow()")
	selIsUnderFunded       = chain.Selector("isUnderFunded()")
	selWithdrawableAddr    = chain.Selector("withdrawableAddress()")
	selCurrentFundingRate  = chain.Selector("currentFundingRate()")
	selCurrentEpoch        = chain.Selector("currentEpoch()")
	selEpochSize           = chain.Selector("epochSize()")
	selFundingEpochs       = chain.Selector("fundingEpochs(uint256)")
	selTotalLongs          = chain.Selector("totalLongs()")
	selTotalShorts         = chain.Selector("totalShorts()")
	selMarketDirection     = chain.Selector("marketDirection()")
)

// Reader issues read-only contract calls pinned to one boundary block.
// The boundary is fixed once per run and threaded through every query, so
// event history and live state are compared against the same chain height.
type Reader struct {
	gw      chain.Gateway
	atBlock uint64
}

// NewReader pins a reader to a boundary block. atBlock zero reads latest,
// which forfeits snapshot consistency; runs should always pin.
func NewReader(gw chain.Gateway, atBlock uint64) *Reader {
	return &Reader{gw: gw, atBlock: atBlock}
}

// Boundary returns the pinned block.
func (r *Reader) Boundary() uint64 { return r.atBlock }

func (r *Reader) call(ctx context.Context, to chain.Address, data []byte) ([]byte, error) {
	return r.gw.Call(ctx, to, data, r.atBlock)
}

func (r *Reader) addressCall(ctx context.Context, to chain.Address, data []byte) (chain.Address, error) {
	out, err := r.call(ctx, to, data)
	if err != nil {
		return chain.Address{}, err
	}
	word, err := chain.Word(out, 0)
	if err != nil {
		return chain.Address{}, err
	}
	var h chain.Hash
	copy(h[:], word)
	return chain.AddressFromTopic(h), nil
}

func (r *Reader) uintCall(ctx context.Context, to chain.Address, data []byte) (*big.Int, error) {
	out, err := r.call(ctx, to, data)
	if err != nil {
		return nil, err
	}
	word, err := chain.Word(out, 0)
	if err != nil {
		return nil, err
	}
	return chain.U256(word), nil
}

func (r *Reader) intCall(ctx context.Context, to chain.Address, data []byte) (*big.Int, error) {
	out, err := r.call(ctx, to, data)
	if err != nil {
		return nil, err
	}
	word, err := chain.Word(out, 0)
	if err != nil {
		return nil, err
	}
	return chain.S256(word), nil
}

// --- Registry ---

func (r *Reader) PositionManagerAddress(ctx context.Context, registry chain.Address, pricefeed chain.Hash) (chain.Address, error) {
	return r.addressCall(ctx, registry, chain.Calldata(selPositionManagerAddr, pricefeed))
}

func (r *Reader) OrderManagerAddress(ctx context.Context, registry chain.Address, pricefeed chain.Hash) (chain.Address, error) {
	return r.addressCall(ctx, registry, chain.Calldata(selOrderManagerAddr, pricefeed))
}

func (r *Reader) VaultAddress(ctx context.Context, registry chain.Address, pricefeed chain.Hash) (chain.Address, error) {
	return r.addressCall(ctx, registry, chain.Calldata(selVaultAddr, pricefeed))
}

func (r *Reader) FundingManagerAddress(ctx context.Context, registry chain.Address, pricefeed chain.Hash) (chain.Address, error) {
	return r.addressCall(ctx, registry, chain.Calldata(selFundingManagerAddr, pricefeed))
}

// --- Vault & token ---

// CollateralToken returns the token the vault custodies.
func (r *Reader) CollateralToken(ctx context.Context, vault chain.Address) (chain.Address, error) {
	return r.addressCall(ctx, vault, chain.Calldata(selCollateralToken))
}

// TokenBalance reads the ERC20 balance of holder. This is the authoritative
// solvency input; the vault's own counters are not.
func (r *Reader) TokenBalance(ctx context.Context, token, holder chain.Address) (*big.Int, error) {
	return r.uintCall(ctx, token, chain.Calldata(selBalanceOf, holder.Word()))
}

// VaultFlows reads the vault's advisory flow counters in one pass.
func (r *Reader) VaultFlows(ctx context.Context, vault chain.Address) (VaultFlows, error) {
	inflows, err := r.uintCall(ctx, vault, chain.Calldata(selInflows))
	if err != nil {
		return VaultFlows{}, fmt.Errorf("inflows: %w", err)
	}
	outflows, err := r.uintCall(ctx, vault, chain.Calldata(selOutflows))
	if err != nil {
		return VaultFlows{}, fmt.Errorf("outflows: %w", err)
	}
	netFlow, err := r.intCall(ctx, vault, chain.Calldata(selNetFlow))
	if err != nil {
		return VaultFlows{}, fmt.Errorf("netFlow: %w", err)
	}
	under, err := r.uintCall(ctx, vault, chain.Calldata(selIsUnderFunded))
	if err != nil {
		return VaultFlows{}, fmt.Errorf("isUnderFunded: %w", err)
	}
	withdrawable, err := r.addressCall(ctx, vault, chain.Calldata(selWithdrawableAddr))
	if err != nil {
		return VaultFlows{}, fmt.Errorf("withdrawableAddress: %w", err)
	}

	return VaultFlows{
		Inflows:             inflows,
		Outflows:            outflows,
		NetFlow:             netFlow,
		IsUnderFunded:       under.Sign() != 0,
		WithdrawableAddress: withdrawable,
	}, nil
}

// --- Position manager ---

// ActivePositionIDs returns the live open-position set.
func (r *Reader) ActivePositionIDs(ctx context.Context, pm chain.Address) ([]chain.Hash, error) {
	out, err := r.call(ctx, pm, chain.Calldata(selActivePositionIDs))
	if err != nil {
		return nil, err
	}
	words, err := decodeWordArray(out)
	if err != nil {
		return nil, fmt.Errorf("getAllActivePositionIds: %w", err)
	}

	ids := make([]chain.Hash, len(words))
	for i, w := range words {
		copy(ids[i][:], w)
	}
	return ids, nil
}

// PositionByID fetches one position's detail tuple.
func (r *Reader) PositionByID(ctx context.Context, pm chain.Address, id chain.Hash) (Position, error) {
	out, err := r.call(ctx, pm, chain.Calldata(selPositionByID, id))
	if err != nil {
		return Position{}, err
	}
	if len(out) < 8*32 {
		return Position{}, fmt.Errorf("getPositionById: short response (%d bytes)", len(out))
	}

	word := func(i int) []byte {
		w, _ := chain.Word(out, i)
		return w
	}

	var ownerHash chain.Hash
	copy(ownerHash[:], word(0))

	return Position{
		Owner:            chain.AddressFromTopic(ownerHash),
		Collateral:       chain.U256(word(1)),
		Size:             chain.U256(word(2)),
		Leverage:         chain.U256(word(3)),
		EntryPrice:       chain.U256(word(4)),
		LiquidationPrice: chain.U256(word(5)),
		IsLong:           chain.U256(word(6)).Sign() != 0,
		OpenedAt:         chain.U256(word(7)).Uint64(),
	}, nil
}

// UnrealizedPnL asks the contract's own PnL formula. Never reimplemented
// client-side: the on-chain formula is authoritative for settlement.
func (r *Reader) UnrealizedPnL(ctx context.Context, pm chain.Address, id chain.Hash, price *big.Int) (*big.Int, error) {
	return r.intCall(ctx, pm, chain.Calldata(selCalculatePnL, id, chain.BigWord(price)))
}

// LiquidatablePrices returns the distinct liquidation price levels for one
// side, relative to a reference price.
func (r *Reader) LiquidatablePrices(ctx context.Context, pm chain.Address, side Side, referencePrice *big.Int) ([]*big.Int, error) {
	sel := selLiqPricesLong
	if side == Short {
		sel = selLiqPricesShort
	}
	out, err := r.call(ctx, pm, chain.Calldata(sel, chain.BigWord(referencePrice)))
	if err != nil {
		return nil, err
	}
	words, err := decodeWordArray(out)
	if err != nil {
		return nil, fmt.Errorf("findLiquidatablePrices: %w", err)
	}

	prices := make([]*big.Int, len(words))
	for i, w := range words {
		prices[i] = chain.U256(w)
	}
	return prices, nil
}

// PositionsAtPrice returns the position ids liquidating at exactly this
// integer price level.
func (r *Reader) PositionsAtPrice(ctx context.Context, pm chain.Address, price *big.Int) ([]chain.Hash, error) {
	out, err := r.call(ctx, pm, chain.Calldata(selLiqMappings, chain.BigWord(price)))
	if err != nil {
		return nil, err
	}
	words, err := decodeWordArray(out)
	if err != nil {
		return nil, fmt.Errorf("getLiquidationMappingsFromPrice: %w", err)
	}

	ids := make([]chain.Hash, len(words))
	for i, w := range words {
		copy(ids[i][:], w)
	}
	return ids, nil
}

// --- Funding tracker ---

// FundingState reads the tracker's live rate, epoch cursor, and book totals.
func (r *Reader) FundingState(ctx context.Context, tracker chain.Address) (FundingState, error) {
	rate, err := r.intCall(ctx, tracker, chain.Calldata(selCurrentFundingRate))
	if err != nil {
		return FundingState{}, fmt.Errorf("currentFundingRate: %w", err)
	}
	epoch, err := r.uintCall(ctx, tracker, chain.Calldata(selCurrentEpoch))
	if err != nil {
		return FundingState{}, fmt.Errorf("currentEpoch: %w", err)
	}
	size, err := r.uintCall(ctx, tracker, chain.Calldata(selEpochSize))
	if err != nil {
		return FundingState{}, fmt.Errorf("epochSize: %w", err)
	}
	longs, err := r.uintCall(ctx, tracker, chain.Calldata(selTotalLongs))
	if err != nil {
		return FundingState{}, fmt.Errorf("totalLongs: %w", err)
	}
	shorts, err := r.uintCall(ctx, tracker, chain.Calldata(selTotalShorts))
	if err != nil {
		return FundingState{}, fmt.Errorf("totalShorts: %w", err)
	}
	direction, err := r.intCall(ctx, tracker, chain.Calldata(selMarketDirection))
	if err != nil {
		return FundingState{}, fmt.Errorf("marketDirection: %w", err)
	}

	return FundingState{
		CurrentRate:  rate,
		CurrentEpoch: epoch.Uint64(),
		EpochSize:    size.Uint64(),
		TotalLongs:   longs,
		TotalShorts:  shorts,
		Direction:    int(direction.Int64()),
	}, nil
}

// FundingEpoch reads one stored epoch by sequence number.
func (r *Reader) FundingEpoch(ctx context.Context, tracker chain.Address, seq uint64) (Epoch, error) {
	out, err := r.call(ctx, tracker, chain.Calldata(selFundingEpochs, chain.UintWord(seq)))
	if err != nil {
		return Epoch{}, err
	}
	if len(out) < 5*32 {
		return Epoch{}, fmt.Errorf("fundingEpochs(%d): short response (%d bytes)", seq, len(out))
	}

	word := func(i int) []byte {
		w, _ := chain.Word(out, i)
		return w
	}

	return Epoch{
		Sequence:        seq,
		StartTimestamp:  chain.U256(word(0)).Uint64(),
		NextTimestamp:   chain.U256(word(1)).Uint64(),
		Rate:            chain.S256(word(2)),
		Direction:       int(chain.S256(word(3)).Int64()),
		CumulativeIndex: chain.S256(word(4)),
	}, nil
}

// decodeWordArray unpacks an ABI-encoded dynamic array of 32-byte elements:
// word0 is the offset to the length word, followed by the elements.
func decodeWordArray(out []byte) ([][]byte, error) {
	if len(out) == 0 {
		return nil, nil
	}
	offWord, err := chain.Word(out, 0)
	if err != nil {
		return nil, err
	}
	off := chain.U256(offWord)
	if !off.IsUint64() || off.Uint64() > uint64(len(out)) || uint64(len(out))-off.Uint64() < 32 {
		return nil, fmt.Errorf("bad array offset %s", off)
	}

	lenWord := out[off.Uint64() : off.Uint64()+32]
	n := chain.U256(lenWord)
	if !n.IsUint64() {
		return nil, fmt.Errorf("bad array length %s", n)
	}

	// Divide rather than multiply: a corrupt length word must not overflow
	// the bounds check and reach the allocation.
	count := n.Uint64()
	start := off.Uint64() + 32
	if count > (uint64(len(out))-start)/32 {
		return nil, fmt.Errorf("array of %d elements overflows %d-byte response", count, len(out))
	}

	words := make([][]byte, count)
	for i := uint64(0); i < count; i++ {
		words[i] = out[start+32*i : start+32*(i+1)]
	}
	return words, nil
}
