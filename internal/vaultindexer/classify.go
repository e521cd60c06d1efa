package vaultindexer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/withobsrvr/streamdroplets/internal/model"
)

// zeroAddress is the ERC-20 mint/burn sentinel. A Transfer to/from it only
// counts as an OFT bridge crossing when paired with an OFTSent/OFTReceived
// event in the same transaction (spec.md §4.C classification table); an
// unpaired zero-address leg is an ordinary mint or burn.
var zeroAddress = common.HexToAddress("0x0000000000000000000000000000000000000000")

// classified is one decoded, typed vault log, ready for persistence.
// classify yields at most one classified event per log (a plain transfer's
// credit leg comes separately from transferCredit); the pairing logic that
// turns "Stake log + Transfer log in the same tx" into one semantic
// mutation happens one level up, in processRange's per-tx grouping, not
// here.
type classified struct {
	kind        model.ShareEventKind
	account     string
	sharesDelta *big.Int
	round       *uint64
}

// classify decodes log against the vault ABI, returning ok=false for any
// topic this indexer doesn't track (spec.md §4.C step 2: "classify each
// log by its signature"). hasOFT reports whether the same transaction also
// carries a LayerZero OFTSent/OFTReceived event, the signal classifyTransfer
// needs to tell a genuine bridge crossing from a plain mint/burn.
func classify(log types.Log, hasOFT bool) (classified, bool, error) {
	if len(log.Topics) == 0 {
		return classified{}, false, nil
	}
	switch log.Topics[0] {
	case TopicStake:
		return decodeAccountAmountRound(log, "Stake", model.ShareStake, +1)
	case TopicUnstake:
		return decodeAccountAmountRound(log, "Unstake", model.ShareUnstake, -1)
	case TopicInstantUnstake:
		return decodeAccountAmountRound(log, "InstantUnstake", model.ShareUnstake, -1)
	case TopicRedeem:
		return decodeAccountAmountRound(log, "Redeem", model.ShareRedeem, +1)
	case TopicTransfer:
		return classifyTransfer(log, hasOFT)
	default:
		return classified{}, false, nil
	}
}

// decodeAccountAmountRound decodes Stake/Unstake/InstantUnstake/Redeem,
// whose non-indexed args are always (amount-or-shares uint256, round
// uint256) in that declared order — unpacked positionally via Unpack
// rather than by field name, since the second ABI argument is spelled
// "amount" on some of these events and "shares" on others.
func decodeAccountAmountRound(log types.Log, eventName string, kind model.ShareEventKind, sign int64) (classified, bool, error) {
	vals, err := VaultABI.Unpack(eventName, log.Data)
	if err != nil {
		return classified{}, false, err
	}
	if len(vals) != 2 {
		return classified{}, false, nil
	}
	amount, ok := vals[0].(*big.Int)
	if !ok {
		return classified{}, false, nil
	}
	roundVal, ok := vals[1].(*big.Int)
	if !ok {
		return classified{}, false, nil
	}
	if len(log.Topics) < 2 {
		return classified{}, false, nil
	}
	account := common.HexToAddress(log.Topics[1].Hex())
	delta := new(big.Int).Mul(amount, big.NewInt(sign))
	round := roundVal.Uint64()
	return classified{kind: kind, account: account.Hex(), sharesDelta: delta, round: &round}, true, nil
}

// classifyTransfer handles the plain ERC-20 leg of share movement: wallet
// to wallet, or wallet to/from the zero address. A zero-address leg is only
// a bridge crossing when the same transaction also carries a LayerZero
// OFTSent/OFTReceived event (hasOFT); otherwise it is an ordinary mint or
// burn and classifies the same as a wallet-to-wallet transfer leg would.
// Transfers that are the mechanical side-effect of a Stake/Unstake/Redeem
// already classified from the same transaction are suppressed by
// processRange's per-tx grouping so shares are never double-counted (spec.md §4.C
// ordering rule 2).
func classifyTransfer(log types.Log, hasOFT bool) (classified, bool, error) {
	if len(log.Topics) < 3 {
		return classified{}, false, nil
	}
	value, err := unpackTransferValue(log)
	if err != nil {
		return classified{}, false, err
	}
	from := common.HexToAddress(log.Topics[1].Hex())
	to := common.HexToAddress(log.Topics[2].Hex())

	switch {
	case from == zeroAddress && to == zeroAddress:
		return classified{}, false, nil
	case from == zeroAddress:
		kind := model.ShareTransferIn
		if hasOFT {
			kind = model.ShareBridgeIn
		}
		return classified{kind: kind, account: to.Hex(), sharesDelta: new(big.Int).Set(value)}, true, nil
	case to == zeroAddress:
		kind := model.ShareTransferOut
		if hasOFT {
			kind = model.ShareBridgeOut
		}
		return classified{kind: kind, account: from.Hex(), sharesDelta: new(big.Int).Neg(value)}, true, nil
	default:
		// A plain transfer produces two legs sharing one log: debit the
		// sender, credit the receiver. processRange adds the credit leg
		// via transferCredit.
		return classified{kind: model.ShareTransferOut, account: from.Hex(), sharesDelta: new(big.Int).Neg(value)}, true, nil
	}
}

// unpackTransferValue decodes the lone non-indexed Transfer arg (value)
// positionally, matching the decode style used across this package rather
// than relying on struct-field-name matching.
func unpackTransferValue(log types.Log) (*big.Int, error) {
	vals, err := VaultABI.Unpack("Transfer", log.Data)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, nil
	}
	v, _ := vals[0].(*big.Int)
	return v, nil
}

// transferCredit mirrors classifyTransfer's sender leg into the
// receiver's credit leg for plain wallet-to-wallet transfers.
func transferCredit(log types.Log) (classified, bool, error) {
	if len(log.Topics) < 3 {
		return classified{}, false, nil
	}
	value, err := unpackTransferValue(log)
	if err != nil {
		return classified{}, false, err
	}
	from := common.HexToAddress(log.Topics[1].Hex())
	to := common.HexToAddress(log.Topics[2].Hex())
	if from == zeroAddress || to == zeroAddress {
		return classified{}, false, nil
	}
	return classified{kind: model.ShareTransferIn, account: to.Hex(), sharesDelta: new(big.Int).Set(value)}, true, nil
}

func decodeRoundRolled(log types.Log) (round uint64, pps *big.Int, err error) {
	var out struct {
		Round         *big.Int
		PricePerShare *big.Int
		SharesMinted  *big.Int
	}
	if err := VaultABI.UnpackIntoInterface(&out, "RoundRolled", log.Data); err != nil {
		return 0, nil, err
	}
	return out.Round.Uint64(), out.PricePerShare, nil
}
