// Package model holds the domain types shared across streamdroplets:
// chains, assets, vault contracts, share events, integration events,
// balances, oracle observations, ticks and snapshots. Types here are pure
// data — no I/O, no business rules beyond basic invariants a constructor
// can check locally.
package model

import "math/big"

// ChainID is the protocol's own stable integer id for a chain, not
// necessarily the EVM chain id (though it usually matches it).
type ChainID uint64

// Chain describes one EVM-compatible network the indexer tails.
type Chain struct {
	ID                  ChainID
	Name                string
	Endpoints           []string
	BlockTime           int64 // seconds, used for head-estimation between polls
	EarliestBlock       uint64
	Confirmations       uint64
	BatchSize           uint64
	ReorgDepth          uint64
	MaxConsecutiveError int
}

// Asset is a logical symbol tracked across chains (xETH, xBTC, xUSD, xEUR, …).
type Asset struct {
	Symbol       string
	Decimals     uint8
	OracleFeed   OracleFeedBinding
	VaultPerChain map[ChainID]VaultContract
}

// OracleFeedBinding names the on-chain price feed backing an asset.
type OracleFeedBinding struct {
	Chain   ChainID
	Address string // feed contract address, e.g. a Chainlink-style aggregator
	Scale   uint8  // oracle_scale, typically 8
}

// VaultContract binds an (chain, asset) pair to the deployed vault address.
type VaultContract struct {
	Chain           ChainID
	Asset           string
	Address         string
	DeploymentBlock uint64
	PPSScale        uint8
}

// ScaledAmount pairs an arbitrary-precision integer with the decimal scale
// it is expressed at, e.g. shares=1e18 at scale=18 means "1.0 shares".
// All monetary and share quantities in this system are ScaledAmounts;
// floating point is never used for them (spec.md §9 "Number representation").
type ScaledAmount struct {
	Value *big.Int
	Scale uint8
}

// Zero reports whether the amount is the additive identity.
func (s ScaledAmount) Zero() bool {
	return s.Value == nil || s.Value.Sign() == 0
}

// NewScaledAmount constructs a ScaledAmount, defaulting a nil value to zero
// so callers never have to special-case an empty reading.
func NewScaledAmount(v *big.Int, scale uint8) ScaledAmount {
	if v == nil {
		v = big.NewInt(0)
	}
	return ScaledAmount{Value: v, Scale: scale}
}
