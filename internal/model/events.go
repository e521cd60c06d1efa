package model

import (
	"math/big"
	"time"
)

// ShareEventKind classifies a share-mutating event. Using a typed enum
// instead of comparing event-name strings at every call site is the
// pattern change spec.md §9 calls for ("classification becomes pattern
// matching instead of string comparisons").
type ShareEventKind string

const (
	ShareStake        ShareEventKind = "stake"
	ShareUnstake      ShareEventKind = "unstake"
	ShareTransferIn   ShareEventKind = "transfer-in"
	ShareTransferOut  ShareEventKind = "transfer-out"
	ShareBridgeIn     ShareEventKind = "bridge-in"
	ShareBridgeOut    ShareEventKind = "bridge-out"
	ShareRedeem       ShareEventKind = "redeem"
)

// ShareEvent is one immutable, append-only mutation of a wallet's vault
// share balance on one chain. Uniqueness key: (Chain, TxHash, LogIndex,
// Address) — a plain transfer produces a debit event and a credit event
// from the same log, distinguished only by which address they land on.
type ShareEvent struct {
	Chain      ChainID
	Asset      string
	Address    string
	Kind       ShareEventKind
	SharesDelta *big.Int // signed; stakes/transfers-in/bridge-in/redeem positive, the rest negative
	RoundID    *uint64   // present for Stake/Unstake/Redeem, absent for bare ERC-20 Transfers
	Block      uint64
	TxHash     string
	LogIndex   uint32
	Timestamp  time.Time
}

// Key returns the natural uniqueness key used for idempotent ingest
// (spec.md §3 invariant 2, P2).
func (e ShareEvent) Key() (chain ChainID, txHash string, logIndex uint32, address string) {
	return e.Chain, e.TxHash, e.LogIndex, e.Address
}

// IntegrationEventKind classifies a mutation of a user's position inside a
// third-party DeFi venue holding protocol shares.
type IntegrationEventKind string

const (
	IntegrationDeposit     IntegrationEventKind = "deposit"
	IntegrationWithdraw    IntegrationEventKind = "withdraw"
	IntegrationTransferIn  IntegrationEventKind = "transfer-in"
	IntegrationTransferOut IntegrationEventKind = "transfer-out"
)

// IntegrationKind names the category of third-party venue.
type IntegrationKind string

const (
	IntegrationLP      IntegrationKind = "LP"
	IntegrationVault4626 IntegrationKind = "vault4626"
	IntegrationLending IntegrationKind = "lending"
)

// IntegrationProtocol is a configured third-party venue the Integration
// Indexer follows.
type IntegrationProtocol struct {
	ID               string
	Kind             IntegrationKind
	Chain            ChainID
	ContractAddress  string
	UnderlyingAsset  string
	Metadata         map[string]string
}

// IntegrationEvent is one immutable mutation of a user's position inside an
// IntegrationProtocol.
type IntegrationEvent struct {
	ProtocolID      string
	Address         string
	Kind            IntegrationEventKind
	SharesDelta     *big.Int
	UnderlyingDelta *big.Int
	Block           uint64
	TxHash          string
	LogIndex        uint32
	Timestamp       time.Time
}

// Key returns the natural uniqueness key for idempotent ingest.
func (e IntegrationEvent) Key() (protocolID, txHash string, logIndex uint32, address string) {
	return e.ProtocolID, e.TxHash, e.LogIndex, e.Address
}

// ChainShareBalance is the Balance Engine's sole-authority view of a
// wallet's vault shares on one (chain, asset).
type ChainShareBalance struct {
	Address   string
	Chain     ChainID
	Asset     string
	Shares    *big.Int
	LastBlock uint64
}

// IntegrationPosition is the Balance Engine's sole-authority view of a
// wallet's indirect holding inside one IntegrationProtocol.
type IntegrationPosition struct {
	Address         string
	ProtocolID      string
	PositionShares  *big.Int
	UnderlyingAmount *big.Int
	LastBlock       uint64
}

// PPSObservation is a vault's price-per-share reading at a round or tick.
type PPSObservation struct {
	Asset    string
	RoundID  uint64
	TickID   int64
	PPS      *big.Int
	PPSScale uint8
}

// OraclePrice is a USD price reading for an asset at a block or tick.
type OraclePrice struct {
	Asset  string
	Block  uint64
	TickID int64
	Price  *big.Int
	Scale  uint8
	Source string
}

// ExcludedAddress marks a wallet whose contribution is always zero
// (spec.md §3 invariant 4, P4).
type ExcludedAddress struct {
	Address string
	Reason  string
}

// Cursor is a per-(chain, contract) ingest checkpoint.
type Cursor struct {
	Chain           ChainID
	ContractAddress string
	LastBlock       uint64
	LastBlockHash   string
}

// UnstakeMark records that an address initiated an unstake of an asset
// during the round that is current as of some tick, suppressing that
// asset's contribution at that tick (spec.md §4.F step 4, P5).
type UnstakeMark struct {
	Address string
	Asset   string
	Round   uint64
}
