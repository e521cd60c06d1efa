package integration

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// lpABIJSON covers the Uniswap-v2-shaped LP pair surface: Mint/Burn mark
// liquidity add/remove, Sync gives the pool's reserves, Transfer moves LP
// tokens between holders, and totalSupply is read when valuing a transfer.
// The indexer fetches Sync logs but does not decode them; LP shares are
// not priced from reserves (v2 pairs expose no preview call either).
const lpABIJSON = `[
  {"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0","type":"uint256"},{"indexed":false,"name":"amount1","type":"uint256"}],"name":"Mint","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":false,"name":"amount0","type":"uint256"},{"indexed":false,"name":"amount1","type":"uint256"},{"indexed":true,"name":"to","type":"address"}],"name":"Burn","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":false,"name":"reserve0","type":"uint112"},{"indexed":false,"name":"reserve1","type":"uint112"}],"name":"Sync","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
  {"constant":true,"inputs":[],"name":"totalSupply","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// vault4626ABIJSON covers the ERC-4626 tokenized-vault surface this
// indexer needs: Deposit/Withdraw for position changes, Transfer for
// secondary-market moves of the vault token itself, and previewRedeem to
// convert a shares balance into underlying at a pinned block.
const vault4626ABIJSON = `[
  {"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"owner","type":"address"},{"indexed":false,"name":"assets","type":"uint256"},{"indexed":false,"name":"shares","type":"uint256"}],"name":"Deposit","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"sender","type":"address"},{"indexed":true,"name":"receiver","type":"address"},{"indexed":true,"name":"owner","type":"address"},{"indexed":false,"name":"assets","type":"uint256"},{"indexed":false,"name":"shares","type":"uint256"}],"name":"Withdraw","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
  {"constant":true,"inputs":[{"name":"shares","type":"uint256"}],"name":"previewRedeem","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// lendingABIJSON covers the Compound/Aave-shaped lending-market surface:
// Mint/Redeem on a cToken (or Supply/Withdraw semantics on an aToken,
// which emits Transfer from/to the zero address for the rebasing balance
// change) plus the interest-bearing Transfer leg for secondary transfers.
const lendingABIJSON = `[
  {"anonymous":false,"inputs":[{"indexed":true,"name":"minter","type":"address"},{"indexed":false,"name":"mintAmount","type":"uint256"},{"indexed":false,"name":"mintTokens","type":"uint256"}],"name":"Mint","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"redeemer","type":"address"},{"indexed":false,"name":"redeemAmount","type":"uint256"},{"indexed":false,"name":"redeemTokens","type":"uint256"}],"name":"Redeem","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"},
  {"constant":true,"inputs":[],"name":"exchangeRateStored","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var (
	LPABI       abi.ABI
	Vault4626ABI abi.ABI
	LendingABI  abi.ABI
)

var (
	TopicLPMint       = mustTopic("Mint(address,uint256,uint256)")
	TopicLPBurn       = mustTopic("Burn(address,uint256,uint256,address)")
	TopicLPSync       = mustTopic("Sync(uint112,uint112)")
	TopicLPTransfer   = mustTopic("Transfer(address,address,uint256)")
	TopicV4626Deposit = mustTopic("Deposit(address,address,uint256,uint256)")
	TopicV4626Withdraw = mustTopic("Withdraw(address,address,address,uint256,uint256)")
	TopicLendingMint  = mustTopic("Mint(address,uint256,uint256)")
	TopicLendingRedeem = mustTopic("Redeem(address,uint256,uint256)")
)

var zeroAddress = common.HexToAddress("0x0000000000000000000000000000000000000000")

func init() {
	var err error
	if LPABI, err = abi.JSON(strings.NewReader(lpABIJSON)); err != nil {
		panic("integration: invalid LP ABI: " + err.Error())
	}
	if Vault4626ABI, err = abi.JSON(strings.NewReader(vault4626ABIJSON)); err != nil {
		panic("integration: invalid vault4626 ABI: " + err.Error())
	}
	if LendingABI, err = abi.JSON(strings.NewReader(lendingABIJSON)); err != nil {
		panic("integration: invalid lending ABI: " + err.Error())
	}
}

func mustTopic(sig string) common.Hash {
	return crypto.Keccak256Hash([]byte(sig))
}
