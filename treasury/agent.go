// Package treasury runs the buyback cycle: check balances, wrap SOL, swap
// for the project token, optionally burn it, and confirm every step on chain.
package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"buyback_feed/config"
	"buyback_feed/jupiter"
	"buyback_feed/metrics"
	"buyback_feed/models"
	"buyback_feed/program"
	"buyback_feed/utils"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrCycleInProgress is returned when a cycle is started while another runs.
var ErrCycleInProgress = errors.New("treasury cycle already in progress")

type Outcome string

const (
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeDryRun         Outcome = "dry_run"
	OutcomeCompleted      Outcome = "completed"
)

// Swapper quotes and builds swap transactions. *jupiter.Client implements it.
type Swapper interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*jupiter.Quote, error)
	SwapTransaction(ctx context.Context, quote *jupiter.Quote, user string, maxPriorityLamports uint64) (*jupiter.SwapResponse, error)
}

type Config struct {
	TokenMint      solana.PublicKey
	TokenProgram   solana.PublicKey
	TokenDecimals  uint8
	ProgramID      solana.PublicKey
	ExpectedWallet solana.PublicKey

	ThresholdLamports  uint64
	FeeReserveLamports uint64
	Ratio              decimal.Decimal
	SlippageBps        int
	PriorityFee        uint64
	BurnTokens         bool
	DryRun             bool

	SubmitRetries  int
	RetryDelay     time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	RPCTimeout     time.Duration
}

// NewConfig parses the environment settings. Every failure is a Configuration error.
func NewConfig(t config.Treasury) (Config, error) {
	if err := t.Validate(); err != nil {
		return Config{}, err
	}
	params, err := t.Params()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		TokenProgram:       solana.Token2022ProgramID,
		ThresholdLamports:  params.ThresholdLamports,
		FeeReserveLamports: params.FeeReserveLamports,
		Ratio:              params.Ratio,
		SlippageBps:        t.SlippageBps,
		PriorityFee:        t.PriorityFee,
		BurnTokens:         t.BurnTokens,
		DryRun:             t.DryRun,
		SubmitRetries:      t.SubmitRetries,
		RetryDelay:         time.Second,
		ConfirmTimeout:     t.ConfirmTimeout,
		PollInterval:       2 * time.Second,
		RPCTimeout:         t.RPCTimeout,
	}
	if t.TokenDecimals < 0 || t.TokenDecimals > 255 {
		return Config{}, models.Configuration("parse TOKEN_DECIMALS", fmt.Errorf("%d out of range", t.TokenDecimals))
	}
	cfg.TokenDecimals = uint8(t.TokenDecimals)

	if cfg.TokenMint, err = solana.PublicKeyFromBase58(t.TokenMint); err != nil {
		return Config{}, models.Configuration("parse TOKEN_MINT", err)
	}
	if t.ProgramID != "" {
		if cfg.ProgramID, err = solana.PublicKeyFromBase58(t.ProgramID); err != nil {
			return Config{}, models.Configuration("parse PROGRAM_ID", err)
		}
	}
	if t.Wallet != "" {
		if cfg.ExpectedWallet, err = solana.PublicKeyFromBase58(t.Wallet); err != nil {
			return Config{}, models.Configuration("parse TREASURY_WALLET", err)
		}
	}
	return cfg, nil
}

// LoadKeypair reads a solana-keygen JSON keypair file.
func LoadKeypair(path string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, models.Configuration("load keypair", err)
	}
	return key, nil
}

// CycleReport describes what one cycle did. Signatures are zero for steps
// that did not run.
type CycleReport struct {
	State         models.TreasuryState
	Outcome       Outcome
	WrapCreated   bool
	WrapSignature solana.Signature
	SwapSignature solana.Signature
	BurnSignature solana.Signature
	QuotedOut     string
	BurnedAmount  uint64
}

// BalanceReport is the read-only view printed by the balance command.
type BalanceReport struct {
	Wallet       solana.PublicKey
	TokenAccount solana.PublicKey
	State        models.TreasuryState
}

type Agent struct {
	chain   Chain
	swapper Swapper
	key     solana.PrivateKey
	wallet  solana.PublicKey
	cfg     Config
	running atomic.Bool
	logger  *zap.SugaredLogger
}

func NewAgent(chain Chain, swapper Swapper, key solana.PrivateKey, cfg Config, logger *zap.SugaredLogger) *Agent {
	if cfg.SubmitRetries < 1 {
		cfg.SubmitRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 15 * time.Second
	}
	if cfg.TokenProgram.IsZero() {
		cfg.TokenProgram = solana.Token2022ProgramID
	}
	wallet := key.PublicKey()
	return &Agent{
		chain:   chain,
		swapper: swapper,
		key:     key,
		wallet:  wallet,
		cfg:     cfg,
		logger:  logger.With("wallet", wallet.String()),
	}
}

func (a *Agent) Wallet() solana.PublicKey {
	return a.wallet
}

// Validate is the preflight run before any cycle.
func (a *Agent) Validate(ctx context.Context) error {
	if !a.cfg.ExpectedWallet.IsZero() && a.cfg.ExpectedWallet != a.wallet {
		return models.Configuration("validate treasury",
			fmt.Errorf("keypair %s does not match TREASURY_WALLET %s", a.wallet, a.cfg.ExpectedWallet))
	}

	exists, err := a.accountExists(ctx, a.cfg.TokenMint)
	if err != nil {
		return err
	}
	if !exists {
		return models.Configuration("validate treasury", fmt.Errorf("token mint %s not found", a.cfg.TokenMint))
	}

	if a.cfg.ProgramID.IsZero() {
		return nil
	}
	pda, err := program.ConfigAddress(a.cfg.ProgramID)
	if err != nil {
		return models.Configuration("validate treasury", err)
	}
	if exists, err = a.accountExists(ctx, pda); err != nil {
		return err
	}
	if !exists {
		return models.Configuration("validate treasury",
			fmt.Errorf("program %s is not initialised: config account %s missing", a.cfg.ProgramID, pda))
	}
	return nil
}

// Inspect reads balances without submitting anything.
func (a *Agent) Inspect(ctx context.Context) (*BalanceReport, error) {
	state, tokenAccount, err := a.state(ctx)
	if err != nil {
		return nil, err
	}
	return &BalanceReport{Wallet: a.wallet, TokenAccount: tokenAccount, State: state}, nil
}

// RunCycle performs one buyback. It never runs concurrently with itself.
func (a *Agent) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !a.running.CompareAndSwap(false, true) {
		metrics.RecordCycle("skipped")
		return nil, ErrCycleInProgress
	}
	defer a.running.Store(false)

	start := time.Now()
	report, err := a.runCycle(ctx)
	if err != nil {
		metrics.RecordCycle("failed")
		a.logger.Errorw("Buyback cycle failed",
			"error", err,
			"kind", models.KindOf(err).String(),
			"duration", time.Since(start).String(),
		)
		return report, err
	}
	metrics.RecordCycle(string(report.Outcome))
	a.logger.Infow("Buyback cycle finished",
		"outcome", report.Outcome,
		"duration", time.Since(start).String(),
	)
	return report, nil
}

func (a *Agent) runCycle(ctx context.Context) (*CycleReport, error) {
	state, tokenAccount, err := a.state(ctx)
	if err != nil {
		return nil, err
	}
	report := &CycleReport{State: state}

	a.logger.Infow("Treasury balance",
		"sol", models.FormatSOL(state.SolBalanceLamports),
		"threshold", models.FormatSOL(state.ThresholdLamports),
		"tokens", state.TokenBalance,
	)

	if !state.Eligible() {
		report.Outcome = OutcomeBelowThreshold
		a.logger.Infow("Below threshold, skipping buyback",
			"shortfall", models.FormatSOL(state.Shortfall()),
			"shortfall_lamports", state.Shortfall(),
		)
		return report, nil
	}

	amount := state.BuybackAmount()
	if amount == 0 {
		return report, models.Execution("buyback amount",
			fmt.Errorf("nothing to swap after the %s SOL fee reserve", models.FormatSOL(state.FeeReserveLamports)))
	}
	a.logger.Infow("Buyback eligible",
		"amount", models.FormatSOL(amount),
		"amount_lamports", amount,
		"ratio", state.BuybackRatio.String(),
	)

	if a.cfg.DryRun {
		quote, err := a.swapper.Quote(ctx, solana.WrappedSol.String(), a.cfg.TokenMint.String(), amount, a.cfg.SlippageBps)
		if err != nil {
			return report, err
		}
		report.Outcome = OutcomeDryRun
		report.QuotedOut = quote.OutAmount
		a.logger.Infow("Dry run, stopping after quote",
			"out_amount", quote.OutAmount,
			"min_out", quote.OtherAmountThreshold,
			"price_impact", quote.PriceImpactPct,
		)
		return report, nil
	}

	if report.WrapSignature, report.WrapCreated, err = a.wrap(ctx, amount); err != nil {
		return report, err
	}

	swapSig, quotedOut, err := a.swap(ctx, amount)
	if err != nil {
		return report, err
	}
	report.SwapSignature = swapSig
	report.QuotedOut = quotedOut
	metrics.AddBuybackLamports(amount)

	report.Outcome = OutcomeCompleted
	if !a.cfg.BurnTokens {
		return report, nil
	}

	burned, burnSig, err := a.burn(ctx, tokenAccount)
	if err != nil {
		return report, err
	}
	report.BurnedAmount = burned
	report.BurnSignature = burnSig
	return report, nil
}

func (a *Agent) state(ctx context.Context) (models.TreasuryState, solana.PublicKey, error) {
	tokenAccount, err := program.TokenAccount(a.wallet, a.cfg.TokenMint, a.cfg.TokenProgram)
	if err != nil {
		return models.TreasuryState{}, solana.PublicKey{}, models.Configuration("derive token account", err)
	}

	rctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	balance, err := a.chain.Balance(rctx, a.wallet)
	cancel()
	if err != nil {
		return models.TreasuryState{}, tokenAccount, err
	}

	rctx, cancel = context.WithTimeout(ctx, a.cfg.RPCTimeout)
	tokens, err := a.chain.TokenBalance(rctx, tokenAccount)
	cancel()
	if err != nil {
		return models.TreasuryState{}, tokenAccount, err
	}

	return models.TreasuryState{
		SolBalanceLamports: balance,
		TokenBalance:       tokens,
		ThresholdLamports:  a.cfg.ThresholdLamports,
		BuybackRatio:       a.cfg.Ratio,
		FeeReserveLamports: a.cfg.FeeReserveLamports,
	}, tokenAccount, nil
}

// EnsureWrappedAccount returns the wallet's wrapped-SOL account, creating it
// first when missing. A create that loses a race to another transaction
// counts as success.
func (a *Agent) EnsureWrappedAccount(ctx context.Context) (solana.PublicKey, bool, error) {
	wrapped, err := program.WrappedSOLAccount(a.wallet)
	if err != nil {
		return solana.PublicKey{}, false, models.Configuration("derive wrapped SOL account", err)
	}

	exists, err := a.accountExists(ctx, wrapped)
	if err != nil {
		return wrapped, false, err
	}
	if exists {
		return wrapped, false, nil
	}

	a.logger.Infow("Creating wrapped SOL account", "account", wrapped.String())
	tx, err := a.build(ctx, []solana.Instruction{program.CreateWrappedSOLAccount(a.wallet)})
	if err != nil {
		return wrapped, false, err
	}
	if _, err := a.execute(ctx, "create_wrapped", tx); err != nil {
		if isAlreadyInUse(err) {
			a.logger.Infow("Wrapped SOL account created concurrently", "account", wrapped.String())
			return wrapped, false, nil
		}
		return wrapped, false, err
	}
	return wrapped, true, nil
}

// Wrap moves lamports from the wallet into its wrapped-SOL account, creating
// the account first if needed. The fee reserve must stay behind.
func (a *Agent) Wrap(ctx context.Context, lamports uint64) (solana.Signature, bool, error) {
	if lamports == 0 {
		return solana.Signature{}, false, models.Execution("wrap", fmt.Errorf("amount must be positive"))
	}
	state, _, err := a.state(ctx)
	if err != nil {
		return solana.Signature{}, false, err
	}
	if state.Available() < lamports {
		return solana.Signature{}, false, models.Execution("wrap", fmt.Errorf(
			"insufficient balance: %s SOL available after the %s SOL reserve, need %s",
			models.FormatSOL(state.Available()), models.FormatSOL(state.FeeReserveLamports), models.FormatSOL(lamports)))
	}
	return a.wrap(ctx, lamports)
}

func (a *Agent) wrap(ctx context.Context, lamports uint64) (solana.Signature, bool, error) {
	wrapped, created, err := a.EnsureWrappedAccount(ctx)
	if err != nil {
		return solana.Signature{}, false, err
	}

	ixs := append([]solana.Instruction{program.PriorityFee(a.cfg.PriorityFee)},
		program.WrapSOL(a.wallet, wrapped, lamports)...)
	tx, err := a.build(ctx, ixs)
	if err != nil {
		return solana.Signature{}, created, err
	}
	sig, err := a.execute(ctx, "wrap", tx)
	return sig, created, err
}

func (a *Agent) swap(ctx context.Context, amount uint64) (solana.Signature, string, error) {
	quote, err := a.swapper.Quote(ctx, solana.WrappedSol.String(), a.cfg.TokenMint.String(), amount, a.cfg.SlippageBps)
	if err != nil {
		return solana.Signature{}, "", err
	}
	a.logger.Infow("Swap quoted",
		"in_amount", quote.InAmount,
		"out_amount", quote.OutAmount,
		"min_out", quote.OtherAmountThreshold,
		"price_impact", quote.PriceImpactPct,
	)

	resp, err := a.swapper.SwapTransaction(ctx, quote, a.wallet.String(), a.cfg.PriorityFee)
	if err != nil {
		return solana.Signature{}, quote.OutAmount, err
	}
	tx, err := solana.TransactionFromBase64(resp.SwapTransaction)
	if err != nil {
		return solana.Signature{}, quote.OutAmount, models.Data("decode swap transaction", err)
	}
	if err := a.sign(tx); err != nil {
		return solana.Signature{}, quote.OutAmount, err
	}

	sig, err := a.execute(ctx, "swap", tx)
	return sig, quote.OutAmount, err
}

// burn destroys the whole token balance held by tokenAccount.
func (a *Agent) burn(ctx context.Context, tokenAccount solana.PublicKey) (uint64, solana.Signature, error) {
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	balance, err := a.chain.TokenBalance(rctx, tokenAccount)
	cancel()
	if err != nil {
		return 0, solana.Signature{}, err
	}
	if balance == 0 {
		a.logger.Warnw("Nothing to burn", "token_account", tokenAccount.String())
		return 0, solana.Signature{}, nil
	}

	a.logger.Infow("Burning tokens",
		"amount", a.FormatTokens(balance),
		"raw_amount", balance,
	)
	tx, err := a.build(ctx, []solana.Instruction{
		program.PriorityFee(a.cfg.PriorityFee),
		program.BurnChecked(tokenAccount, a.cfg.TokenMint, a.wallet, a.cfg.TokenProgram, balance, a.cfg.TokenDecimals),
	})
	if err != nil {
		return 0, solana.Signature{}, err
	}
	sig, err := a.execute(ctx, "burn", tx)
	if err != nil {
		return 0, sig, err
	}
	return balance, sig, nil
}

// build fetches a fresh blockhash and returns the signed transaction.
func (a *Agent) build(ctx context.Context, ixs []solana.Instruction) (*solana.Transaction, error) {
	var blockhash solana.Hash
	err := a.retry(ctx, "blockhash", func(ctx context.Context) error {
		var err error
		blockhash, err = a.chain.LatestBlockhash(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(a.wallet))
	if err != nil {
		return nil, models.Execution("build transaction", err)
	}
	if err := a.sign(tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (a *Agent) sign(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key == a.wallet {
			return &a.key
		}
		return nil
	})
	if err != nil {
		return models.Execution("sign transaction", err)
	}
	return nil
}

// execute submits tx and waits for it to confirm.
func (a *Agent) execute(ctx context.Context, step string, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := a.submit(ctx, step, tx)
	if err != nil {
		return sig, err
	}
	if err := a.confirm(ctx, step, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// submit sends the already-signed tx. Only transient failures are retried,
// and every retry resends the same bytes, so at most one copy can land.
func (a *Agent) submit(ctx context.Context, step string, tx *solana.Transaction) (solana.Signature, error) {
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, models.Execution(step, fmt.Errorf("transaction is not signed"))
	}
	expected := tx.Signatures[0]

	err := a.retry(ctx, step, func(ctx context.Context) error {
		_, err := a.chain.Send(ctx, tx)
		if err != nil && isAlreadyProcessed(err) {
			return nil
		}
		return err
	})
	if err != nil {
		metrics.RecordSubmit(step, "failed")
		return expected, err
	}
	metrics.RecordSubmit(step, "sent")
	a.logger.Infow("Transaction submitted", "step", step, "signature", expected.String())
	return expected, nil
}

// retry runs fn up to SubmitRetries times, stopping on the first
// non-transient error.
func (a *Agent) retry(ctx context.Context, step string, fn func(context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		rctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
		defer cancel()
		err := fn(rctx)
		if err != nil && !models.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		metrics.RecordSubmit(step, "retry")
		a.logger.Warnw("Transient failure, retrying",
			"step", step,
			"attempt", attempt,
			"max_attempts", a.cfg.SubmitRetries,
			"retry_in", next.String(),
			"error", err,
		)
	}
	b := backoff.WithContext(utils.NewSubmitBackoff(a.cfg.SubmitRetries, a.cfg.RetryDelay), ctx)
	return backoff.RetryNotify(op, b, notify)
}

// confirm polls the signature until it is confirmed, fails on chain, or
// ConfirmTimeout passes. Status lookups that fail transiently are polled
// again; the transaction itself is never resent here.
func (a *Agent) confirm(ctx context.Context, step string, sig solana.Signature) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		rctx, rcancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
		status, err := a.chain.SignatureStatus(rctx, sig)
		rcancel()

		switch {
		case err != nil && !models.IsTransient(err):
			metrics.RecordSubmit(step, "unconfirmed")
			return err
		case err != nil:
			a.logger.Debugw("Signature status unavailable", "step", step, "error", err)
		case status.Found && status.Err != nil:
			metrics.RecordSubmit(step, "failed_on_chain")
			return models.Execution(step, fmt.Errorf("transaction %s failed: %v", sig, status.Err))
		case status.Found && status.Confirmed:
			metrics.RecordSubmit(step, "confirmed")
			a.logger.Infow("Transaction confirmed", "step", step, "signature", sig.String())
			return nil
		}

		select {
		case <-ctx.Done():
			metrics.RecordSubmit(step, "unconfirmed")
			return models.Execution(step, fmt.Errorf("transaction %s not confirmed within %s", sig, a.cfg.ConfirmTimeout))
		case <-ticker.C:
		}
	}
}

func (a *Agent) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	var exists bool
	err := a.retry(ctx, "account_info", func(ctx context.Context) error {
		var err error
		exists, err = a.chain.AccountExists(ctx, account)
		return err
	})
	return exists, err
}

// FormatTokens renders raw token units with the mint's decimals.
func (a *Agent) FormatTokens(raw uint64) string {
	return models.FormatUnits(decimal.NewFromUint64(raw), int32(a.cfg.TokenDecimals))
}
