package accrual

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/streamdroplets/internal/config"
	"github.com/withobsrvr/streamdroplets/internal/model"
)

func baseInputs() Inputs {
	return Inputs{
		Tick: model.Tick{ID: 1, Timestamp: time.Unix(1_700_000_000, 0)},
		PPSByAsset: map[string]model.PPSObservation{
			"xETH": {Asset: "xETH", RoundID: 1, PPS: big.NewInt(1_050_000_000_000_000_000), PPSScale: 18},
		},
		PricesByAsset: map[string]model.OraclePrice{
			"xETH": {Asset: "xETH", Price: big.NewInt(2_000_00000000), Scale: 8},
		},
		AssetDecimals:         map[string]uint8{"xETH": 18},
		ExcludedAddresses:     map[string]bool{},
		PriorCumulative:       map[string]*big.Int{},
		UnstakeExclusionScope: config.ScopePerAssetLeg,
		RatePerUSDPerTick:     1,
		USDScale:              6,
	}
}

// Scenario: one address holding 1.0 share (1e18 at scale 18) of an asset
// whose PPS is 1.05 and price is $2000 should accrue floor(1.05*2000) =
// 2100 droplets for the tick (B1 — integer precision, floor applied once
// at the droplet step, never before).
func TestRun_SingleHolderDropletMath(t *testing.T) {
	in := baseInputs()
	in.ShareBalances = []model.ChainShareBalance{
		{Address: "0xAAA", Chain: 1, Asset: "xETH", Shares: big.NewInt(1_000_000_000_000_000_000)},
	}
	result := Run(in)
	require.Len(t, result.UserSnapshots, 1)
	snap := result.UserSnapshots[0]
	assert.Equal(t, "2100000000", snap.TotalUSD.Value.String()) // $2100.000000 at scale 6
	assert.Equal(t, big.NewInt(2100), snap.DropletsThisTick)
	assert.Equal(t, big.NewInt(2100), snap.DropletsCumulative)
}

// P4: an address on the exclusion list contributes nothing, even holding
// a nonzero balance.
func TestRun_ExcludedAddressContributesNothing(t *testing.T) {
	in := baseInputs()
	in.ShareBalances = []model.ChainShareBalance{
		{Address: "0xDEAD", Chain: 1, Asset: "xETH", Shares: big.NewInt(1_000_000_000_000_000_000)},
	}
	in.ExcludedAddresses["0xDEAD"] = true
	result := Run(in)
	assert.Empty(t, result.UserSnapshots)
	assert.Equal(t, int64(0), result.Protocol.UniqueUsers)
}

// P5: an address that initiated an unstake during the round current at
// this tick has that asset leg's USD contribution suppressed to zero for
// the tick, but still appears in the snapshot (HadUnstake=true), not
// dropped outright.
func TestRun_UnstakeExclusionZeroesLegNotAddress(t *testing.T) {
	in := baseInputs()
	in.ShareBalances = []model.ChainShareBalance{
		{Address: "0xAAA", Chain: 1, Asset: "xETH", Shares: big.NewInt(1_000_000_000_000_000_000)},
	}
	in.UnstakeMarks = []model.UnstakeMark{{Address: "0xAAA", Asset: "xETH", Round: 1}}
	result := Run(in)
	require.Len(t, result.UserSnapshots, 1)
	snap := result.UserSnapshots[0]
	assert.True(t, snap.HadUnstake)
	assert.Equal(t, big.NewInt(0), snap.DropletsThisTick)
	require.Len(t, snap.Balances, 1)
	assert.True(t, snap.Balances[0].Excluded)
}

// B2: when an asset's oracle price is missing for this tick, holders of
// that asset are still enumerated (so they don't silently vanish from the
// snapshot set) but their USD value for that leg is zero, and the asset is
// reported back in OracleMissing so the caller can flag the tick partial.
func TestRun_OracleMissingZeroesValueAndReportsAsset(t *testing.T) {
	in := baseInputs()
	delete(in.PricesByAsset, "xETH")
	in.ShareBalances = []model.ChainShareBalance{
		{Address: "0xAAA", Chain: 1, Asset: "xETH", Shares: big.NewInt(1_000_000_000_000_000_000)},
	}
	result := Run(in)
	require.Len(t, result.UserSnapshots, 1)
	assert.Equal(t, big.NewInt(0), result.UserSnapshots[0].TotalUSD.Value)
	assert.Contains(t, result.OracleMissing, "xETH")
}

// P7: cumulative droplets are monotone non-decreasing tick over tick,
// carried forward from PriorCumulative.
func TestRun_CumulativeCarriesForward(t *testing.T) {
	in := baseInputs()
	in.PriorCumulative["0xAAA"] = big.NewInt(500)
	in.ShareBalances = []model.ChainShareBalance{
		{Address: "0xAAA", Chain: 1, Asset: "xETH", Shares: big.NewInt(1_000_000_000_000_000_000)},
	}
	result := Run(in)
	require.Len(t, result.UserSnapshots, 1)
	snap := result.UserSnapshots[0]
	assert.Equal(t, new(big.Int).Add(big.NewInt(500), snap.DropletsThisTick), snap.DropletsCumulative)
}

// P6: the protocol-level asset total equals the sum of every holder's USD
// contribution for that asset.
func TestRun_ProtocolAssetTotalSumsHolders(t *testing.T) {
	in := baseInputs()
	in.ShareBalances = []model.ChainShareBalance{
		{Address: "0xAAA", Chain: 1, Asset: "xETH", Shares: big.NewInt(1_000_000_000_000_000_000)},
		{Address: "0xBBB", Chain: 2, Asset: "xETH", Shares: big.NewInt(2_000_000_000_000_000_000)},
	}
	result := Run(in)
	require.Len(t, result.Protocol.AssetTotals, 1)
	assert.Equal(t, "xETH", result.Protocol.AssetTotals[0].Asset)
	assert.Equal(t, "6300000000", result.Protocol.AssetTotals[0].USDValue.Value.String())
}

// An integration position's UnderlyingAmount is denominated in the
// underlying asset's own decimals (18 for xETH here), not already in USD —
// it has to go through the same oracle conversion a direct share leg does.
func TestRun_IntegrationPositionValuedThroughOraclePrice(t *testing.T) {
	in := baseInputs()
	in.ProtocolUnderlying = map[string]string{"proto1": "xETH"}
	in.IntegrationPositions = []model.IntegrationPosition{
		{Address: "0xCCC", ProtocolID: "proto1", PositionShares: big.NewInt(1), UnderlyingAmount: big.NewInt(1_000_000_000_000_000_000)},
	}
	result := Run(in)
	require.Len(t, result.UserSnapshots, 1)
	snap := result.UserSnapshots[0]
	require.Len(t, snap.IntegrationBreakdown, 1)
	assert.Equal(t, "2000000000", snap.IntegrationBreakdown[0].USDValue.Value.String()) // $2000.000000 at scale 6
	assert.Equal(t, "2000000000", snap.TotalUSD.Value.String())
}

// When the integration's underlying asset has no oracle price this tick,
// the leg values at zero and the asset is reported in OracleMissing, same
// treatment as a direct holding.
func TestRun_IntegrationPositionOracleMissingZeroesValue(t *testing.T) {
	in := baseInputs()
	in.ProtocolUnderlying = map[string]string{"proto1": "xBTC"}
	in.IntegrationPositions = []model.IntegrationPosition{
		{Address: "0xCCC", ProtocolID: "proto1", PositionShares: big.NewInt(1), UnderlyingAmount: big.NewInt(1_000_000_000_000_000_000)},
	}
	result := Run(in)
	require.Len(t, result.UserSnapshots, 1)
	assert.Equal(t, big.NewInt(0), result.UserSnapshots[0].TotalUSD.Value)
	assert.Contains(t, result.OracleMissing, "xBTC")
}

func TestRun_ZeroBalanceHolderIsOmitted(t *testing.T) {
	in := baseInputs()
	in.ShareBalances = []model.ChainShareBalance{
		{Address: "0xAAA", Chain: 1, Asset: "xETH", Shares: big.NewInt(0)},
	}
	result := Run(in)
	assert.Empty(t, result.UserSnapshots)
}
