package vaultindexer

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// vaultABIJSON describes the round-based vault's share-mutating events.
// Names follow the common Ribbon-style options-vault shape the pack's
// EVM-adjacent examples assume: stakes and redemptions are queued against
// a round, rounds roll at a new price-per-share, and instant unstakes skip
// the round boundary entirely.
const vaultABIJSON = `[
  {"anonymous":false,"inputs":[{"indexed":true,"name":"account","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"round","type":"uint256"}],"name":"Stake","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"account","type":"address"},{"indexed":false,"name":"shares","type":"uint256"},{"indexed":false,"name":"round","type":"uint256"}],"name":"Unstake","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"account","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"round","type":"uint256"}],"name":"InstantUnstake","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"account","type":"address"},{"indexed":false,"name":"shares","type":"uint256"},{"indexed":false,"name":"round","type":"uint256"}],"name":"Redeem","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":false,"name":"round","type":"uint256"},{"indexed":false,"name":"pricePerShare","type":"uint256"},{"indexed":false,"name":"sharesMinted","type":"uint256"}],"name":"RoundRolled","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"guid","type":"bytes32"},{"indexed":false,"name":"dstEid","type":"uint32"},{"indexed":true,"name":"fromAddress","type":"address"},{"indexed":false,"name":"amountSentLD","type":"uint256"},{"indexed":false,"name":"amountReceivedLD","type":"uint256"}],"name":"OFTSent","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"guid","type":"bytes32"},{"indexed":false,"name":"srcEid","type":"uint32"},{"indexed":true,"name":"toAddress","type":"address"},{"indexed":false,"name":"amountReceivedLD","type":"uint256"}],"name":"OFTReceived","type":"event"}
]`

// VaultABI is the parsed event set every configured vault contract is
// assumed to expose.
var VaultABI abi.ABI

// Topic0 hashes, precomputed once so FilterLogs can build its topic filter
// without re-hashing signatures per call.
var (
	TopicStake          = mustTopic("Stake(address,uint256,uint256)")
	TopicUnstake        = mustTopic("Unstake(address,uint256,uint256)")
	TopicInstantUnstake = mustTopic("InstantUnstake(address,uint256,uint256)")
	TopicRedeem         = mustTopic("Redeem(address,uint256,uint256)")
	TopicRoundRolled    = mustTopic("RoundRolled(uint256,uint256,uint256)")
	TopicTransfer       = mustTopic("Transfer(address,address,uint256)")
	TopicOFTSent        = mustTopic("OFTSent(bytes32,uint32,address,uint256,uint256)")
	TopicOFTReceived    = mustTopic("OFTReceived(bytes32,uint32,address,uint256)")
)

func init() {
	a, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		panic("vaultindexer: invalid embedded vault ABI: " + err.Error())
	}
	VaultABI = a
}

func mustTopic(sig string) common.Hash {
	return crypto.Keccak256Hash([]byte(sig))
}
