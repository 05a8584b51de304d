package parser

import (
	"fmt"
	"math/big"

	"buyback_feed/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const wordSize = 32

// BuybackBurnTopic is topic0 of
// BuybackBurn(address indexed inputToken, uint256 inputAmount, uint256 burnedAmount, uint256 totalBurned).
var BuybackBurnTopic = crypto.Keccak256Hash([]byte("BuybackBurn(address,uint256,uint256,uint256)"))

type BuybackBurnLog struct {
	InputToken   common.Address
	InputAmount  *big.Int
	BurnedAmount *big.Int
	TotalBurned  *big.Int
}

// DecodeBuybackBurnLog decodes the three big-endian words of the log data.
func DecodeBuybackBurnLog(lg types.Log) (*BuybackBurnLog, error) {
	if len(lg.Topics) != 2 || lg.Topics[0] != BuybackBurnTopic {
		return nil, models.Data("decode BuybackBurn", fmt.Errorf("log %s#%d is not a BuybackBurn event", lg.TxHash.Hex(), lg.Index))
	}
	if len(lg.Data) != 3*wordSize {
		return nil, models.Data("decode BuybackBurn", fmt.Errorf("log %s#%d data is %d bytes, want %d", lg.TxHash.Hex(), lg.Index, len(lg.Data), 3*wordSize))
	}

	out := &BuybackBurnLog{
		InputToken:   common.BytesToAddress(lg.Topics[1].Bytes()),
		InputAmount:  new(big.Int).SetBytes(lg.Data[0:wordSize]),
		BurnedAmount: new(big.Int).SetBytes(lg.Data[wordSize : 2*wordSize]),
		TotalBurned:  new(big.Int).SetBytes(lg.Data[2*wordSize : 3*wordSize]),
	}
	if out.BurnedAmount.Cmp(out.TotalBurned) > 0 {
		return nil, models.Data("decode BuybackBurn", fmt.Errorf("log %s#%d burned %s exceeds running total %s", lg.TxHash.Hex(), lg.Index, out.BurnedAmount, out.TotalBurned))
	}
	return out, nil
}
