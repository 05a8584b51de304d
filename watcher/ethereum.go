package watcher

import (
	"context"
	"math/big"
	"time"

	"buyback_feed/models"
	"buyback_feed/parser"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxRangesPerPoll = 10

// EthereumRPC is the subset of *ethclient.Client the watcher uses.
type EthereumRPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type EthereumConfig struct {
	Contract       common.Address
	Confirmations  uint64
	StartBlock     uint64
	MaxBlockRange  uint64
	InputToken     string
	OutputToken    string
	InputDecimals  int32
	OutputDecimals int32
	RPCTimeout     time.Duration
}

// EthereumSource filters BuybackBurn logs of one contract, staying
// Confirmations blocks behind the head so reorged logs are never emitted.
type EthereumSource struct {
	client EthereumRPC
	cfg    EthereumConfig
	next   uint64
	logger *zap.SugaredLogger
}

func NewEthereumSource(client EthereumRPC, cfg EthereumConfig, logger *zap.SugaredLogger) *EthereumSource {
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 15 * time.Second
	}
	return &EthereumSource{client: client, cfg: cfg, next: cfg.StartBlock, logger: logger}
}

func (s *EthereumSource) Chain() models.Chain { return models.ChainEthereum }

// NextBlock is the first block the next poll will scan.
func (s *EthereumSource) NextBlock() uint64 { return s.next }

func (s *EthereumSource) Poll(ctx context.Context) ([]Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	head, err := s.client.BlockNumber(callCtx)
	cancel()
	if err != nil {
		return nil, models.Transient("eth_blockNumber", err)
	}
	if head < s.cfg.Confirmations {
		return nil, nil
	}
	safe := head - s.cfg.Confirmations
	if s.next == 0 {
		// no configured start: follow from the current safe block
		s.next = safe
	}

	var (
		results []Result
		next    = s.next
		times   = map[uint64]time.Time{}
		perTx   = map[common.Hash]int{}
	)
	for i := 0; i < maxRangesPerPoll && next <= safe; i++ {
		to := next + s.cfg.MaxBlockRange - 1
		if to > safe {
			to = safe
		}

		logs, err := s.filter(ctx, next, to)
		if err != nil {
			return nil, err
		}
		for _, lg := range logs {
			if lg.Removed {
				continue
			}
			decoded, err := parser.DecodeBuybackBurnLog(lg)
			if err != nil {
				results = append(results, Result{Err: err})
				continue
			}
			if perTx[lg.TxHash]++; perTx[lg.TxHash] > 1 {
				continue
			}
			ts, err := s.blockTime(ctx, lg.BlockNumber, times)
			if err != nil {
				return nil, err
			}
			results = append(results, Result{Event: s.toEvent(lg, decoded, ts)})
		}
		next = to + 1
	}
	for tx, n := range perTx {
		if n > 1 {
			s.logger.Warnw("Multiple buyback events in one transaction, keeping the first", "tx", tx.Hex(), "count", n)
		}
	}

	s.next = next
	return results, nil
}

func (s *EthereumSource) filter(ctx context.Context, from, to uint64) ([]types.Log, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()

	logs, err := s.client.FilterLogs(callCtx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{s.cfg.Contract},
		Topics:    [][]common.Hash{{parser.BuybackBurnTopic}},
	})
	if err != nil {
		return nil, models.Transient("eth_getLogs", err)
	}
	return logs, nil
}

func (s *EthereumSource) blockTime(ctx context.Context, number uint64, cache map[uint64]time.Time) (time.Time, error) {
	if ts, ok := cache[number]; ok {
		return ts, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()

	header, err := s.client.HeaderByNumber(callCtx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, models.Transient("eth_getBlockByNumber", err)
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	cache[number] = ts
	return ts, nil
}

func (s *EthereumSource) toEvent(lg types.Log, ev *parser.BuybackBurnLog, ts time.Time) models.BurnEvent {
	return models.BurnEvent{
		Chain:        models.ChainEthereum,
		TxHash:       lg.TxHash.Hex(),
		InputToken:   tokenLabel(s.cfg.InputToken, ev.InputToken.Hex()),
		InputAmount:  models.FormatUnits(decimal.NewFromBigInt(ev.InputAmount, 0), s.cfg.InputDecimals),
		BurnedAmount: models.FormatUnits(decimal.NewFromBigInt(ev.BurnedAmount, 0), s.cfg.OutputDecimals),
		OutputToken:  s.cfg.OutputToken,
		TotalBurned:  models.FormatUnits(decimal.NewFromBigInt(ev.TotalBurned, 0), s.cfg.OutputDecimals),
		Timestamp:    ts,
		Ethereum: &models.EthereumDetails{
			BlockNumber: lg.BlockNumber,
			LogIndex:    lg.Index,
			Contract:    lg.Address.Hex(),
		},
	}
}
