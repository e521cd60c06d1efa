package model

import (
	"math/big"
	"time"
)

// Tick is the canonical accrual boundary. ID is monotonic: internal/scheduler
// derives it as the boundary's Unix time divided by the tick period.
type Tick struct {
	ID              int64
	Timestamp       time.Time
	ChainBlocks     map[ChainID]uint64 // per-chain reference block resolved for this tick
	Completed       bool
	Partial         bool // set when some chain's head block could not be read for this tick
}

// AssetBreakdown is one asset's contribution to a UserSnapshot.
type AssetBreakdown struct {
	Asset    string
	Shares   ScaledAmount
	USDValue ScaledAmount
	Excluded bool // true when suppressed by the unstake-during-round rule for this leg
}

// IntegrationBreakdown is one integration position's contribution to a
// UserSnapshot.
type IntegrationBreakdown struct {
	ProtocolID string
	Underlying ScaledAmount
	USDValue   ScaledAmount
}

// UserSnapshot is the immutable per-(address, tick) record the Query
// Surface reads from.
type UserSnapshot struct {
	Address             string
	TickID              int64
	Balances             []AssetBreakdown
	IntegrationBreakdown []IntegrationBreakdown
	TotalUSD             ScaledAmount
	DropletsThisTick     *big.Int
	DropletsCumulative   *big.Int
	Excluded             bool
	HadUnstake           bool
	SnapshotTimestamp    time.Time
}

// ProtocolAssetTotal sums one asset's USD value across all addresses at a tick.
type ProtocolAssetTotal struct {
	Asset    string
	USDValue ScaledAmount
}

// ProtocolIntegrationTotal sums one protocol's USD value across all addresses at a tick.
type ProtocolIntegrationTotal struct {
	ProtocolID string
	USDValue   ScaledAmount
}

// ProtocolSnapshot is the immutable per-tick aggregate record.
type ProtocolSnapshot struct {
	TickID             int64
	AssetTotals        []ProtocolAssetTotal
	ProtocolTotals     []ProtocolIntegrationTotal
	UniqueUsers        int64
	DropletsThisTick   *big.Int
	DropletsCumulative *big.Int
	Partial            bool
	SnapshotTimestamp  time.Time
}

// LeaderboardEntry is one row of the materialized leaderboard projection.
type LeaderboardEntry struct {
	Address            string
	DropletsCumulative *big.Int
	LastTick           int64
	TicksParticipated  int64
	LastActive         time.Time
}
