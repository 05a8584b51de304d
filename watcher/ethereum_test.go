package watcher

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"buyback_feed/models"
	"buyback_feed/parser"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var testContract = common.HexToAddress("0x00000000000000000000000000000000000000cc")

type fakeEthRPC struct {
	head        uint64
	logs        []types.Log
	queries     []ethereum.FilterQuery
	headerCalls int
	failHeaders bool
}

func (f *fakeEthRPC) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeEthRPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeEthRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	f.headerCalls++
	if f.failHeaders {
		return nil, errors.New("connection reset by peer")
	}
	return &types.Header{Number: number, Time: 1_700_000_000 + number.Uint64()}, nil
}

func burnLog(block uint64, index uint, tx string, burned, total int64) types.Log {
	word := func(v int64) []byte { return common.BigToHash(big.NewInt(v)).Bytes() }
	data := append(append(word(1_000_000_000_000_000_000), word(burned)...), word(total)...)
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{parser.BuybackBurnTopic, common.BytesToHash(common.HexToAddress("0xaa").Bytes())},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.HexToHash(tx),
	}
}

func newEthSource(f *fakeEthRPC, start, maxRange uint64) *EthereumSource {
	return NewEthereumSource(f, EthereumConfig{
		Contract:       testContract,
		Confirmations:  12,
		StartBlock:     start,
		MaxBlockRange:  maxRange,
		InputToken:     "ETH",
		OutputToken:    "SHITPOST",
		InputDecimals:  18,
		OutputDecimals: 18,
	}, zap.NewNop().Sugar())
}

func TestEthereumSourceRespectsConfirmations(t *testing.T) {
	f := &fakeEthRPC{head: 120}
	f.logs = []types.Log{
		burnLog(100, 0, "0x01", 5e17, 2e18),
		burnLog(100, 3, "0x02", 5e17, 25e17),
		burnLog(115, 0, "0x03", 1, 3e18), // not yet confirmed
	}
	src := newEthSource(f, 100, 2000)

	results, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(109), src.NextBlock())
	assert.Equal(t, 1, f.headerCalls, "block time cached per poll")

	e := results[0].Event
	assert.Equal(t, models.ChainEthereum, e.Chain)
	assert.Equal(t, common.HexToHash("0x01").Hex(), e.TxHash)
	assert.Equal(t, "1", e.InputAmount)
	assert.Equal(t, "0.5", e.BurnedAmount)
	assert.Equal(t, "2", e.TotalBurned)
	assert.Equal(t, int64(1_700_000_100), e.Timestamp.Unix())
	require.NotNil(t, e.Ethereum)
	assert.Equal(t, uint(0), e.Ethereum.LogIndex)
	assert.NoError(t, e.Validate())

	f.head = 130
	results, err = src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, common.HexToHash("0x03").Hex(), results[0].Event.TxHash)
}

func TestEthereumSourceBoundsRanges(t *testing.T) {
	f := &fakeEthRPC{head: 60}
	src := newEthSource(f, 1, 10)

	_, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, f.queries, 5)
	for _, q := range f.queries {
		assert.LessOrEqual(t, q.ToBlock.Uint64()-q.FromBlock.Uint64()+1, uint64(10))
		assert.Equal(t, []common.Address{testContract}, q.Addresses)
	}
	assert.Equal(t, uint64(49), src.NextBlock())
}

func TestEthereumSourceSkipsRemovedAndMalformed(t *testing.T) {
	removed := burnLog(50, 0, "0x0a", 1, 1)
	removed.Removed = true
	bad := burnLog(50, 1, "0x0b", 10, 1)
	f := &fakeEthRPC{head: 100, logs: []types.Log{removed, bad}}

	results, err := newEthSource(f, 50, 100).Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.KindData, models.KindOf(results[0].Err))
}

func TestEthereumSourceRetriesWholeRangeOnHeaderFailure(t *testing.T) {
	f := &fakeEthRPC{head: 100, logs: []types.Log{burnLog(60, 0, "0x01", 1, 1)}, failHeaders: true}
	src := newEthSource(f, 50, 100)

	_, err := src.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
	assert.Equal(t, uint64(50), src.NextBlock())
}

func TestEthereumSourceKeepsFirstLogPerTransaction(t *testing.T) {
	f := &fakeEthRPC{head: 100, logs: []types.Log{
		burnLog(60, 0, "0x01", 5, 5),
		burnLog(60, 1, "0x01", 7, 12),
		burnLog(61, 0, "0x02", 1, 13),
	}}
	core, logs := observer.New(zap.WarnLevel)
	src := newEthSource(f, 50, 100)
	src.logger = zap.New(core).Sugar()

	results, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint(0), results[0].Event.Ethereum.LogIndex)
	assert.Equal(t, common.HexToHash("0x02").Hex(), results[1].Event.TxHash)

	warned := logs.FilterMessageSnippet("Multiple buyback events").All()
	require.Len(t, warned, 1)
	assert.Equal(t, int64(2), warned[0].ContextMap()["count"])
}
