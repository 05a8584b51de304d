package watcher

import (
	"context"
	"fmt"
	"time"

	"buyback_feed/models"
	"buyback_feed/parser"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxSignaturePages = 10

// SolanaRPC is the subset of *rpc.Client the watcher uses.
type SolanaRPC interface {
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

type SolanaConfig struct {
	ProgramID      solana.PublicKey
	PageLimit      int
	InputToken     string
	OutputToken    string
	InputDecimals  int32
	OutputDecimals int32
	RPCTimeout     time.Duration
}

// SolanaSource reads BuybackBurned events from the program's transaction
// logs. The last processed signature is the cursor; the first poll starts
// from the most recent page.
type SolanaSource struct {
	client SolanaRPC
	cfg    SolanaConfig
	cursor solana.Signature
	logger *zap.SugaredLogger
}

func NewSolanaSource(client SolanaRPC, cfg SolanaConfig, logger *zap.SugaredLogger) *SolanaSource {
	if cfg.PageLimit <= 0 || cfg.PageLimit > 1000 {
		cfg.PageLimit = 100
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 15 * time.Second
	}
	return &SolanaSource{client: client, cfg: cfg, logger: logger}
}

func (s *SolanaSource) Chain() models.Chain { return models.ChainSolana }

// Cursor returns the newest signature already processed.
func (s *SolanaSource) Cursor() solana.Signature { return s.cursor }

func (s *SolanaSource) Poll(ctx context.Context) ([]Result, error) {
	sigs, err := s.newSignatures(ctx)
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, nil
	}

	var results []Result
	// sigs are newest first; process oldest first
	for i := len(sigs) - 1; i >= 0; i-- {
		sig := sigs[i]
		if sig.Err != nil {
			continue
		}
		res, err := s.fetch(ctx, sig.Signature)
		if err != nil {
			return nil, err
		}
		results = append(results, res...)
	}

	s.cursor = sigs[0].Signature
	return results, nil
}

func (s *SolanaSource) newSignatures(ctx context.Context) ([]*rpc.TransactionSignature, error) {
	limit := s.cfg.PageLimit
	var (
		all    []*rpc.TransactionSignature
		before solana.Signature
	)
	for page := 0; page < maxSignaturePages; page++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
		sigs, err := s.client.GetSignaturesForAddressWithOpts(callCtx, s.cfg.ProgramID, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Before:     before,
			Until:      s.cursor,
			Commitment: rpc.CommitmentConfirmed,
		})
		cancel()
		if err != nil {
			return nil, models.Transient("getSignaturesForAddress", err)
		}
		all = append(all, sigs...)

		// Without a cursor only the newest page matters.
		if s.cursor.IsZero() || len(sigs) < limit {
			return all, nil
		}
		before = sigs[len(sigs)-1].Signature
	}
	s.logger.Warnw("Signature backlog exceeds page budget, older records skipped",
		"pages", maxSignaturePages,
		"page_limit", limit)
	return all, nil
}

func (s *SolanaSource) fetch(ctx context.Context, sig solana.Signature) ([]Result, error) {
	version := rpc.MaxSupportedTransactionVersion0
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()

	tx, err := s.client.GetTransaction(callCtx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return nil, models.Transient("getTransaction "+sig.String(), err)
	}
	if tx == nil || tx.Meta == nil {
		return []Result{{Err: models.Data("getTransaction "+sig.String(), fmt.Errorf("transaction has no meta"))}}, nil
	}
	if tx.Meta.Err != nil {
		return nil, nil
	}

	events, errs := parser.ParseAnchorLogs(s.cfg.ProgramID.String(), tx.Meta.LogMessages)
	results := make([]Result, 0, len(events)+len(errs))
	for _, err := range errs {
		results = append(results, Result{Err: fmt.Errorf("tx %s: %w", sig, err)})
	}
	if len(events) > 1 {
		s.logger.Warnw("Multiple buyback events in one transaction, keeping the first", "tx", sig.String(), "count", len(events))
	}
	if len(events) > 0 {
		results = append(results, Result{Event: s.toEvent(sig, tx, events[0])})
	}
	return results, nil
}

func (s *SolanaSource) toEvent(sig solana.Signature, tx *rpc.GetTransactionResult, ev parser.BuybackBurned) models.BurnEvent {
	ts := time.Unix(ev.Timestamp, 0).UTC()
	if ev.Timestamp == 0 && tx.BlockTime != nil {
		ts = tx.BlockTime.Time().UTC()
	}

	return models.BurnEvent{
		Chain:        models.ChainSolana,
		TxHash:       sig.String(),
		InputToken:   tokenLabel(s.cfg.InputToken, ev.InputMint.String()),
		InputAmount:  models.FormatUnits(decimal.NewFromUint64(ev.InputAmount), s.cfg.InputDecimals),
		BurnedAmount: models.FormatUnits(decimal.NewFromUint64(ev.BurnedAmount), s.cfg.OutputDecimals),
		OutputToken:  tokenLabel(s.cfg.OutputToken, ev.OutputMint.String()),
		TotalBurned:  models.FormatUnits(decimal.NewFromUint64(ev.TotalBurned), s.cfg.OutputDecimals),
		Timestamp:    ts,
		Solana: &models.SolanaDetails{
			Slot:      tx.Slot,
			ProgramID: s.cfg.ProgramID.String(),
		},
	}
}

func tokenLabel(label, fallback string) string {
	if label != "" {
		return label
	}
	return fallback
}
