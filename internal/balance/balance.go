// Package balance implements the Balance Engine (spec.md §4.E): a pure
// fold of ordered ShareEvents and IntegrationEvents into current-balance
// views. No I/O happens here — Fold takes a slice, returns a map, and is
// deterministic and side-effect free by construction, which is what
// spec.md's testability properties P1/R1 require of it. Shape mirrors the
// teacher's account-balance-processor, whose core loop is also a
// straight-line fold over an ordered event stream into a balances map.
package balance

import (
	"math/big"
	"sort"

	"github.com/withobsrvr/streamdroplets/internal/errs"
	"github.com/withobsrvr/streamdroplets/internal/model"
)

// shareKey identifies one (address, chain, asset) balance line.
type shareKey struct {
	Address string
	Chain   model.ChainID
	Asset   string
}

// FoldShareEvents replays events in strict (block, log_index) order into
// ChainShareBalances. A negative running balance is a DeterminismViolation
// (spec.md §3 invariant 3) — the fold never clamps to zero, since clamping
// would silently hide a missed or duplicated event instead of surfacing
// it for replay.
func FoldShareEvents(events []model.ShareEvent) (map[shareKey]*model.ChainShareBalance, error) {
	sorted := make([]model.ShareEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Block != sorted[j].Block {
			return sorted[i].Block < sorted[j].Block
		}
		return sorted[i].LogIndex < sorted[j].LogIndex
	})

	balances := make(map[shareKey]*model.ChainShareBalance)
	for _, ev := range sorted {
		key := shareKey{Address: ev.Address, Chain: ev.Chain, Asset: ev.Asset}
		bal, ok := balances[key]
		if !ok {
			bal = &model.ChainShareBalance{Address: ev.Address, Chain: ev.Chain, Asset: ev.Asset, Shares: big.NewInt(0)}
			balances[key] = bal
		}
		bal.Shares = new(big.Int).Add(bal.Shares, ev.SharesDelta)
		bal.LastBlock = ev.Block
		if bal.Shares.Sign() < 0 {
			return nil, errs.New(errs.DeterminismViolation,
				"balance: negative share balance for "+ev.Address+" on asset "+ev.Asset+" — replay required")
		}
	}
	return balances, nil
}

// integrationKey identifies one (address, protocol) position line.
type integrationKey struct {
	Address    string
	ProtocolID string
}

// FoldIntegrationEvents replays integration events the same way
// FoldShareEvents does, producing IntegrationPositions.
func FoldIntegrationEvents(events []model.IntegrationEvent) (map[integrationKey]*model.IntegrationPosition, error) {
	sorted := make([]model.IntegrationEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Block != sorted[j].Block {
			return sorted[i].Block < sorted[j].Block
		}
		return sorted[i].LogIndex < sorted[j].LogIndex
	})

	positions := make(map[integrationKey]*model.IntegrationPosition)
	for _, ev := range sorted {
		key := integrationKey{Address: ev.Address, ProtocolID: ev.ProtocolID}
		pos, ok := positions[key]
		if !ok {
			pos = &model.IntegrationPosition{
				Address: ev.Address, ProtocolID: ev.ProtocolID,
				PositionShares: big.NewInt(0), UnderlyingAmount: big.NewInt(0),
			}
			positions[key] = pos
		}
		pos.PositionShares = new(big.Int).Add(pos.PositionShares, ev.SharesDelta)
		if ev.UnderlyingDelta != nil {
			pos.UnderlyingAmount = new(big.Int).Add(pos.UnderlyingAmount, ev.UnderlyingDelta)
		}
		pos.LastBlock = ev.Block
		if pos.PositionShares.Sign() < 0 {
			return nil, errs.New(errs.DeterminismViolation,
				"balance: negative integration position for "+ev.Address+" in "+ev.ProtocolID+" — replay required")
		}
	}
	return positions, nil
}

// ShareBalanceList flattens a fold result into a stable, sorted slice —
// the shape storage and the accrual engine consume.
func ShareBalanceList(balances map[shareKey]*model.ChainShareBalance) []model.ChainShareBalance {
	out := make([]model.ChainShareBalance, 0, len(balances))
	for _, b := range balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// IntegrationPositionList flattens a fold result the same way
// ShareBalanceList does.
func IntegrationPositionList(positions map[integrationKey]*model.IntegrationPosition) []model.IntegrationPosition {
	out := make([]model.IntegrationPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Address != out[j].Address {
			return out[i].Address < out[j].Address
		}
		return out[i].ProtocolID < out[j].ProtocolID
	})
	return out
}
