// Package accrual implements the Snapshot/Accrual Engine (spec.md §4.F):
// given a frozen set of balances, oracle prices and PPS readings for one
// tick, it computes each address's USD exposure, applies the
// unstake-exclusion and excluded-address rules, and derives droplets.
// Like internal/balance, Run is a pure function of its inputs — no chain
// or database I/O happens inside this package, which is what makes the
// determinism property (spec.md §8 P7, B1) checkable without a live chain.
package accrual

import (
	"math/big"
	"sort"

	"github.com/withobsrvr/streamdroplets/internal/config"
	"github.com/withobsrvr/streamdroplets/internal/model"
)

// Inputs is everything one tick's computation needs, already resolved to
// this tick's reference blocks by the caller (the Scheduler/core
// composition root).
type Inputs struct {
	Tick                  model.Tick
	ShareBalances         []model.ChainShareBalance
	IntegrationPositions  []model.IntegrationPosition
	PPSByAsset            map[string]model.PPSObservation // per-asset round PPS in effect at this tick
	PricesByAsset         map[string]model.OraclePrice     // absent entry == oracle-missing for that asset this tick
	ProtocolUnderlying    map[string]string // protocol id -> its configured underlying asset symbol
	AssetDecimals         map[string]uint8  // asset symbol -> native decimals, for rescaling integration legs to USDScale
	ExcludedAddresses     map[string]bool
	UnstakeMarks          []model.UnstakeMark // addresses that initiated an unstake during the round current at this tick
	PriorCumulative       map[string]*big.Int // address -> droplets carried forward from the previous tick
	UnstakeExclusionScope config.UnstakeExclusionScope
	RatePerUSDPerTick     uint64
	USDScale              uint8
}

// Result is one tick's complete output: one snapshot per participating
// address plus the protocol-level rollup.
type Result struct {
	UserSnapshots   []model.UserSnapshot
	Protocol        model.ProtocolSnapshot
	OracleMissing   []string // asset symbols with no price this tick
	HasInconsistency bool
}

// Run executes the full tick sequence described in spec.md §4.F: enumerate
// candidates, value each address's asset and integration legs, apply
// exclusions, compute droplets, and roll up the protocol total.
func Run(in Inputs) Result {
	unstakeSet := buildUnstakeSet(in.UnstakeMarks, in.UnstakeExclusionScope)

	type acc struct {
		assets       map[string]*model.AssetBreakdown
		integrations map[string]*model.IntegrationBreakdown
		hadUnstake   bool
	}
	byAddr := make(map[string]*acc)

	ensure := func(addr string) *acc {
		a, ok := byAddr[addr]
		if !ok {
			a = &acc{assets: make(map[string]*model.AssetBreakdown), integrations: make(map[string]*model.IntegrationBreakdown)}
			byAddr[addr] = a
		}
		return a
	}

	var oracleMissing []string
	missingSeen := make(map[string]bool)
	markMissing := func(asset string) {
		if !missingSeen[asset] {
			missingSeen[asset] = true
			oracleMissing = append(oracleMissing, asset)
		}
	}

	for _, bal := range in.ShareBalances {
		if in.ExcludedAddresses[bal.Address] {
			continue
		}
		if bal.Shares.Sign() == 0 {
			continue
		}
		price, havePrice := in.PricesByAsset[bal.Asset]
		pps, havePPS := in.PPSByAsset[bal.Asset]
		if !havePrice {
			markMissing(bal.Asset)
		}

		a := ensure(bal.Address)
		excludedLeg := unstakeSet[unstakeKey(bal.Address, bal.Asset, in.UnstakeExclusionScope)]
		if excludedLeg {
			a.hadUnstake = true
		}

		shares := model.ScaledAmount{Value: bal.Shares, Scale: shareScaleOrDefault(pps)}
		usd := model.ScaledAmount{Value: big.NewInt(0), Scale: in.USDScale}
		if havePrice && havePPS {
			underlying := model.Underlying(shares, model.ScaledAmount{Value: pps.PPS, Scale: pps.PPSScale})
			usd = model.USDValue(underlying, model.OraclePriceReading{Value: price.Price, Scale: price.Scale}, in.USDScale)
		}
		if excludedLeg {
			usd = model.ScaledAmount{Value: big.NewInt(0), Scale: in.USDScale}
		}
		a.assets[bal.Asset] = &model.AssetBreakdown{Asset: bal.Asset, Shares: shares, USDValue: usd, Excluded: excludedLeg}
	}

	for _, pos := range in.IntegrationPositions {
		if in.ExcludedAddresses[pos.Address] {
			continue
		}
		if pos.PositionShares.Sign() == 0 {
			continue
		}
		assetSymbol := in.ProtocolUnderlying[pos.ProtocolID]
		price, havePrice := in.PricesByAsset[assetSymbol]
		if !havePrice {
			markMissing(assetSymbol)
		}

		a := ensure(pos.Address)
		// UnderlyingAmount is denominated in the underlying asset's own
		// native decimals, not USDScale — it has to go through the same
		// oracle-price conversion as a direct holding's shares do above.
		underlying := model.ScaledAmount{Value: pos.UnderlyingAmount, Scale: in.AssetDecimals[assetSymbol]}
		usd := model.ScaledAmount{Value: big.NewInt(0), Scale: in.USDScale}
		if havePrice {
			usd = model.USDValue(underlying, model.OraclePriceReading{Value: price.Price, Scale: price.Scale}, in.USDScale)
		}
		a.integrations[pos.ProtocolID] = &model.IntegrationBreakdown{
			ProtocolID: pos.ProtocolID,
			Underlying: underlying,
			USDValue:   usd,
		}
	}

	addrs := make([]string, 0, len(byAddr))
	for addr := range byAddr {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var snapshots []model.UserSnapshot
	assetTotals := make(map[string]*big.Int)
	protocolTotals := make(map[string]*big.Int)
	tickDroplets := big.NewInt(0)

	for _, addr := range addrs {
		a := byAddr[addr]
		totalUSD := big.NewInt(0)
		var breakdowns []model.AssetBreakdown
		assetKeys := make([]string, 0, len(a.assets))
		for k := range a.assets {
			assetKeys = append(assetKeys, k)
		}
		sort.Strings(assetKeys)
		for _, k := range assetKeys {
			ab := a.assets[k]
			breakdowns = append(breakdowns, *ab)
			totalUSD.Add(totalUSD, ab.USDValue.Value)
			if _, ok := assetTotals[k]; !ok {
				assetTotals[k] = big.NewInt(0)
			}
			assetTotals[k].Add(assetTotals[k], ab.USDValue.Value)
		}

		var intBreakdowns []model.IntegrationBreakdown
		protoKeys := make([]string, 0, len(a.integrations))
		for k := range a.integrations {
			protoKeys = append(protoKeys, k)
		}
		sort.Strings(protoKeys)
		for _, k := range protoKeys {
			ib := a.integrations[k]
			intBreakdowns = append(intBreakdowns, *ib)
			totalUSD.Add(totalUSD, ib.USDValue.Value)
			if _, ok := protocolTotals[k]; !ok {
				protocolTotals[k] = big.NewInt(0)
			}
			protocolTotals[k].Add(protocolTotals[k], ib.USDValue.Value)
		}

		usd := model.ScaledAmount{Value: totalUSD, Scale: in.USDScale}
		droplets := model.Droplets(usd, in.RatePerUSDPerTick, in.USDScale)
		tickDroplets.Add(tickDroplets, droplets)

		prior := in.PriorCumulative[addr]
		if prior == nil {
			prior = big.NewInt(0)
		}
		cumulative := new(big.Int).Add(prior, droplets)

		snapshots = append(snapshots, model.UserSnapshot{
			Address:              addr,
			TickID:               in.Tick.ID,
			Balances:             breakdowns,
			IntegrationBreakdown: intBreakdowns,
			TotalUSD:             usd,
			DropletsThisTick:     droplets,
			DropletsCumulative:   cumulative,
			Excluded:             false,
			HadUnstake:           a.hadUnstake,
			SnapshotTimestamp:    in.Tick.Timestamp,
		})
	}

	var assetTotalsList []model.ProtocolAssetTotal
	for asset, v := range assetTotals {
		assetTotalsList = append(assetTotalsList, model.ProtocolAssetTotal{Asset: asset, USDValue: model.ScaledAmount{Value: v, Scale: in.USDScale}})
	}
	sort.Slice(assetTotalsList, func(i, j int) bool { return assetTotalsList[i].Asset < assetTotalsList[j].Asset })

	var protoTotalsList []model.ProtocolIntegrationTotal
	for proto, v := range protocolTotals {
		protoTotalsList = append(protoTotalsList, model.ProtocolIntegrationTotal{ProtocolID: proto, USDValue: model.ScaledAmount{Value: v, Scale: in.USDScale}})
	}
	sort.Slice(protoTotalsList, func(i, j int) bool { return protoTotalsList[i].ProtocolID < protoTotalsList[j].ProtocolID })

	protocolCumulative := big.NewInt(0)
	for _, s := range snapshots {
		protocolCumulative.Add(protocolCumulative, s.DropletsCumulative)
	}

	return Result{
		UserSnapshots: snapshots,
		Protocol: model.ProtocolSnapshot{
			TickID:             in.Tick.ID,
			AssetTotals:        assetTotalsList,
			ProtocolTotals:     protoTotalsList,
			UniqueUsers:        int64(len(snapshots)),
			DropletsThisTick:   tickDroplets,
			DropletsCumulative: protocolCumulative,
			Partial:            in.Tick.Partial,
			SnapshotTimestamp:  in.Tick.Timestamp,
		},
		OracleMissing:    oracleMissing,
		HasInconsistency: false,
	}
}

func shareScaleOrDefault(pps model.PPSObservation) uint8 {
	if pps.PPSScale > 0 {
		return pps.PPSScale
	}
	return 18
}

func unstakeKey(address, asset string, scope config.UnstakeExclusionScope) string {
	if scope == config.ScopeWholeAddress {
		return address
	}
	return address + "|" + asset
}

func buildUnstakeSet(marks []model.UnstakeMark, scope config.UnstakeExclusionScope) map[string]bool {
	set := make(map[string]bool, len(marks))
	for _, m := range marks {
		set[unstakeKey(m.Address, m.Asset, scope)] = true
	}
	return set
}
