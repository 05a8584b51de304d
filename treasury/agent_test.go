package treasury

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"buyback_feed/jupiter"
	"buyback_feed/models"
	"buyback_feed/program"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChain struct {
	mu       sync.Mutex
	balance  uint64
	tokens   uint64
	accounts map[solana.PublicKey]bool

	sendErrs []error
	sent     []solana.Signature
	txs      []*solana.Transaction
	creates  int

	failOnChain bool
	neverSeen   bool

	balanceGate  chan struct{}
	entered      chan struct{}
	balanceCalls int
	balanceErr   error
}

func newFakeChain(balance uint64) *fakeChain {
	return &fakeChain{balance: balance, accounts: map[solana.PublicKey]bool{}}
}

func (c *fakeChain) Balance(ctx context.Context, _ solana.PublicKey) (uint64, error) {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.balanceGate != nil {
		select {
		case <-c.balanceGate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceCalls++
	if c.balanceErr != nil {
		return 0, c.balanceErr
	}
	return c.balance, nil
}

func (c *fakeChain) TokenBalance(context.Context, solana.PublicKey) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens, nil
}

func (c *fakeChain) AccountExists(_ context.Context, account solana.PublicKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accounts[account], nil
}

func (c *fakeChain) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{7}, nil
}

func (c *fakeChain) Send(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, tx.Signatures[0])
	c.txs = append(c.txs, tx)
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return solana.Signature{}, err
		}
	}

	for _, ix := range tx.Message.Instructions {
		if tx.Message.AccountKeys[ix.ProgramIDIndex] == solana.SPLAssociatedTokenAccountProgramID {
			c.creates++
			wrapped, _ := program.WrappedSOLAccount(tx.Message.AccountKeys[0])
			c.accounts[wrapped] = true
		}
	}
	return tx.Signatures[0], nil
}

func (c *fakeChain) SignatureStatus(context.Context, solana.Signature) (SignatureStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.neverSeen:
		return SignatureStatus{}, nil
	case c.failOnChain:
		return SignatureStatus{Found: true, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}}, nil
	default:
		return SignatureStatus{Found: true, Confirmed: true}, nil
	}
}

func (c *fakeChain) sends() []solana.Signature {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]solana.Signature(nil), c.sent...)
}

type fakeSwapper struct {
	quotedFor   []uint64
	maxPriority uint64
}

func (s *fakeSwapper) Quote(_ context.Context, in, out string, amount uint64, slippageBps int) (*jupiter.Quote, error) {
	s.quotedFor = append(s.quotedFor, amount)
	return &jupiter.Quote{InputMint: in, OutputMint: out, InAmount: "693000000", OutAmount: "4200000", SlippageBps: slippageBps}, nil
}

func (s *fakeSwapper) SwapTransaction(_ context.Context, _ *jupiter.Quote, user string, maxPriority uint64) (*jupiter.SwapResponse, error) {
	s.maxPriority = maxPriority
	payer := solana.MustPublicKeyFromBase58(user)
	tx, err := solana.NewTransaction([]solana.Instruction{
		system.NewTransferInstruction(1, payer, solana.NewWallet().PublicKey()).Build(),
	}, solana.Hash{9}, solana.TransactionPayer(payer))
	if err != nil {
		return nil, err
	}
	b64, err := tx.ToBase64()
	if err != nil {
		return nil, err
	}
	return &jupiter.SwapResponse{SwapTransaction: b64}, nil
}

func testConfig() Config {
	return Config{
		TokenMint:          solana.NewWallet().PublicKey(),
		TokenDecimals:      6,
		ThresholdLamports:  1_000_000_000,
		FeeReserveLamports: 10_000_000,
		Ratio:              decimal.RequireFromString("0.70"),
		SlippageBps:        100,
		PriorityFee:        50_000,
		SubmitRetries:      3,
		RetryDelay:         time.Millisecond,
		ConfirmTimeout:     50 * time.Millisecond,
		PollInterval:       time.Millisecond,
		RPCTimeout:         time.Second,
	}
}

func newTestAgent(t *testing.T, chain *fakeChain, cfg Config) (*Agent, *fakeSwapper) {
	t.Helper()
	key := solana.NewWallet().PrivateKey
	swapper := &fakeSwapper{}
	return NewAgent(chain, swapper, key, cfg, zap.NewNop().Sugar()), swapper
}

func TestRunCycleBelowThreshold(t *testing.T) {
	chain := newFakeChain(600_000_000)
	agent, swapper := newTestAgent(t, chain, testConfig())

	report, err := agent.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeBelowThreshold, report.Outcome)
	assert.Equal(t, uint64(400_000_000), report.State.Shortfall())
	assert.Empty(t, chain.sends())
	assert.Empty(t, swapper.quotedFor)
}

func TestRunCycleAbortsOnBalanceFailure(t *testing.T) {
	chain := newFakeChain(1_000_000_000)
	chain.balanceErr = models.Transient("getBalance", errors.New("connection reset by peer"))
	agent, swapper := newTestAgent(t, chain, testConfig())

	report, err := agent.RunCycle(context.Background())
	require.Error(t, err)
	assert.Nil(t, report)
	assert.Equal(t, models.KindTransient, models.KindOf(err))

	assert.Empty(t, chain.sends())
	assert.Equal(t, 1, chain.balanceCalls)
	assert.Empty(t, swapper.quotedFor)

	// the guard is released for the next cycle
	chain.balanceErr = nil
	_, err = agent.RunCycle(context.Background())
	require.NoError(t, err)
}

func TestRunCycleCompletes(t *testing.T) {
	chain := newFakeChain(1_000_000_000)
	chain.tokens = 5_000_000
	cfg := testConfig()
	cfg.BurnTokens = true
	agent, swapper := newTestAgent(t, chain, cfg)

	report, err := agent.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, []uint64{693_000_000}, swapper.quotedFor)
	assert.Equal(t, uint64(50_000), swapper.maxPriority)
	assert.True(t, report.WrapCreated)
	assert.Equal(t, "4200000", report.QuotedOut)
	assert.Equal(t, uint64(5_000_000), report.BurnedAmount)

	// create, wrap, swap, burn
	sent := chain.sends()
	require.Len(t, sent, 4)
	assert.Equal(t, sent[1], report.WrapSignature)
	assert.Equal(t, sent[2], report.SwapSignature)
	assert.Equal(t, sent[3], report.BurnSignature)

	wrapTx := chain.txs[1]
	assert.Len(t, wrapTx.Message.Instructions, 3)
	assert.Equal(t, agent.Wallet(), wrapTx.Message.AccountKeys[0])
}

func TestEnsureWrappedAccountCreatesOnce(t *testing.T) {
	chain := newFakeChain(0)
	agent, _ := newTestAgent(t, chain, testConfig())

	first, created, err := agent.EnsureWrappedAccount(context.Background())
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := agent.EnsureWrappedAccount(context.Background())
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, chain.creates)
	assert.Len(t, chain.sends(), 1)
}

func TestEnsureWrappedAccountToleratesConcurrentCreate(t *testing.T) {
	chain := newFakeChain(0)
	chain.sendErrs = []error{models.Execution("sendTransaction",
		errors.New("Allocate: account Address { address: 9x, base: None } already in use"))}
	agent, _ := newTestAgent(t, chain, testConfig())

	_, created, err := agent.EnsureWrappedAccount(context.Background())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, chain.sends(), 1)
}

func TestSubmitRetriesTransientWithSameTransaction(t *testing.T) {
	chain := newFakeChain(1_000_000_000)
	transient := models.Transient("sendTransaction", errors.New("connection reset by peer"))
	chain.sendErrs = []error{transient, transient, transient}
	agent, _ := newTestAgent(t, chain, testConfig())

	_, err := agent.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindTransient, models.KindOf(err))

	sent := chain.sends()
	require.Len(t, sent, 3)
	assert.Equal(t, sent[0], sent[1])
	assert.Equal(t, sent[1], sent[2])
}

func TestSubmitRecoversAfterTransientFailure(t *testing.T) {
	chain := newFakeChain(1_000_000_000)
	chain.sendErrs = []error{models.Transient("sendTransaction", errors.New("timeout"))}
	agent, _ := newTestAgent(t, chain, testConfig())

	report, err := agent.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)

	// create twice (same bytes), wrap, swap
	sent := chain.sends()
	require.Len(t, sent, 4)
	assert.Equal(t, sent[0], sent[1])
}

func TestSubmitTreatsAlreadyProcessedAsSent(t *testing.T) {
	chain := newFakeChain(1_000_000_000)
	agent, _ := newTestAgent(t, chain, testConfig())
	wrapped, _ := program.WrappedSOLAccount(agent.Wallet())
	chain.accounts[wrapped] = true
	chain.sendErrs = []error{
		models.Transient("sendTransaction", errors.New("timeout")),
		models.Execution("sendTransaction", errors.New("Transaction simulation failed: This transaction has already been processed")),
	}

	report, err := agent.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.False(t, report.WrapCreated)
}

func TestSubmitDoesNotRetryRejection(t *testing.T) {
	chain := newFakeChain(1_000_000_000)
	chain.sendErrs = []error{models.Execution("sendTransaction", errors.New("insufficient funds for rent"))}
	agent, _ := newTestAgent(t, chain, testConfig())

	_, err := agent.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindExecution, models.KindOf(err))
	assert.Len(t, chain.sends(), 1)
}

func TestConfirmationFailureIsNotRetried(t *testing.T) {
	chain := newFakeChain(1_000_000_000)
	chain.failOnChain = true
	agent, swapper := newTestAgent(t, chain, testConfig())

	_, err := agent.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindExecution, models.KindOf(err))
	assert.Len(t, chain.sends(), 1)
	assert.Empty(t, swapper.quotedFor)
}

func TestConfirmationTimeout(t *testing.T) {
	chain := newFakeChain(1_000_000_000)
	chain.neverSeen = true
	agent, _ := newTestAgent(t, chain, testConfig())

	start := time.Now()
	_, err := agent.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindExecution, models.KindOf(err))
	assert.Contains(t, err.Error(), "not confirmed")
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, chain.sends(), 1)
}

func TestRunCycleIsNotReentrant(t *testing.T) {
	chain := newFakeChain(600_000_000)
	chain.balanceGate = make(chan struct{})
	chain.entered = make(chan struct{}, 1)
	agent, _ := newTestAgent(t, chain, testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := agent.RunCycle(context.Background())
		done <- err
	}()
	<-chain.entered

	_, err := agent.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(chain.balanceGate)
	require.NoError(t, <-done)
}

func TestDryRunStopsAfterQuote(t *testing.T) {
	chain := newFakeChain(2_000_000_000)
	cfg := testConfig()
	cfg.DryRun = true
	agent, swapper := newTestAgent(t, chain, cfg)

	report, err := agent.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDryRun, report.Outcome)
	assert.Equal(t, "4200000", report.QuotedOut)
	assert.Len(t, swapper.quotedFor, 1)
	assert.Empty(t, chain.sends())
}

func TestZeroBuybackAmountAborts(t *testing.T) {
	chain := newFakeChain(1_000_000_000)
	cfg := testConfig()
	cfg.FeeReserveLamports = 1_000_000_000
	agent, _ := newTestAgent(t, chain, cfg)

	_, err := agent.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindExecution, models.KindOf(err))
	assert.Empty(t, chain.sends())
}

func TestValidate(t *testing.T) {
	t.Run("wallet mismatch", func(t *testing.T) {
		cfg := testConfig()
		cfg.ExpectedWallet = solana.NewWallet().PublicKey()
		agent, _ := newTestAgent(t, newFakeChain(0), cfg)

		err := agent.Validate(context.Background())
		assert.Equal(t, models.KindConfiguration, models.KindOf(err))
	})

	t.Run("missing mint", func(t *testing.T) {
		agent, _ := newTestAgent(t, newFakeChain(0), testConfig())

		err := agent.Validate(context.Background())
		assert.Equal(t, models.KindConfiguration, models.KindOf(err))
		assert.Contains(t, err.Error(), "mint")
	})

	t.Run("uninitialised program", func(t *testing.T) {
		cfg := testConfig()
		cfg.ProgramID = solana.NewWallet().PublicKey()
		chain := newFakeChain(0)
		chain.accounts[cfg.TokenMint] = true
		agent, _ := newTestAgent(t, chain, cfg)

		err := agent.Validate(context.Background())
		assert.Equal(t, models.KindConfiguration, models.KindOf(err))

		pda, err := program.ConfigAddress(cfg.ProgramID)
		require.NoError(t, err)
		chain.accounts[pda] = true
		assert.NoError(t, agent.Validate(context.Background()))
	})
}

func TestInspect(t *testing.T) {
	chain := newFakeChain(1_250_000_000)
	chain.tokens = 77
	cfg := testConfig()
	agent, _ := newTestAgent(t, chain, cfg)

	report, err := agent.Inspect(context.Background())
	require.NoError(t, err)

	want, err := program.TokenAccount(agent.Wallet(), cfg.TokenMint, solana.Token2022ProgramID)
	require.NoError(t, err)
	assert.Equal(t, want, report.TokenAccount)
	assert.Equal(t, uint64(77), report.State.TokenBalance)
	assert.True(t, report.State.Eligible())
	assert.Empty(t, chain.sends())
}

func TestWrapKeepsFeeReserve(t *testing.T) {
	chain := newFakeChain(15_000_000)
	agent, _ := newTestAgent(t, chain, testConfig())

	_, _, err := agent.Wrap(context.Background(), 6_000_000)
	require.Error(t, err)
	assert.Equal(t, models.KindExecution, models.KindOf(err))
	assert.Empty(t, chain.sends())

	sig, created, err := agent.Wrap(context.Background(), 1_000_000)
	require.NoError(t, err)
	assert.True(t, created)
	sent := chain.sends()
	require.Len(t, sent, 2)
	assert.Equal(t, sent[1], sig)
}
