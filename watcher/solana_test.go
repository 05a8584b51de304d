package watcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"

	"buyback_feed/models"
	"buyback_feed/parser"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testProgram = solana.MustPublicKeyFromBase58("11111111111111111111111111111112")

type fakeSolanaRPC struct {
	// newest first, like the real endpoint
	sigs    []*rpc.TransactionSignature
	txs     map[solana.Signature]*rpc.GetTransactionResult
	failTx  bool
	queries []rpc.GetSignaturesForAddressOpts
}

func (f *fakeSolanaRPC) GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	f.queries = append(f.queries, *opts)
	var out []*rpc.TransactionSignature
	started := opts.Before.IsZero()
	for _, s := range f.sigs {
		if !opts.Until.IsZero() && s.Signature == opts.Until {
			break
		}
		if !started {
			started = s.Signature == opts.Before
			continue
		}
		out = append(out, s)
		if len(out) == *opts.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSolanaRPC) GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	if f.failTx {
		return nil, errors.New("503 service unavailable")
	}
	return f.txs[sig], nil
}

func sig(b byte) solana.Signature {
	var s solana.Signature
	s[0] = b
	return s
}

func burnLogs(burned, total uint64) []string {
	var buf bytes.Buffer
	buf.Write(parser.BuybackBurnedDiscriminator[:])
	binary.Write(&buf, binary.LittleEndian, struct {
		InputMint, OutputMint                  [32]byte
		InputAmount, BurnedAmount, TotalBurned uint64
		Timestamp                              int64
	}{solana.SolMint, solana.SolMint, 693_000_000, burned, total, 1_700_000_000})

	return []string{
		"Program " + testProgram.String() + " invoke [1]",
		"Program data: " + base64.StdEncoding.EncodeToString(buf.Bytes()),
		"Program " + testProgram.String() + " success",
	}
}

func (f *fakeSolanaRPC) push(s solana.Signature, failed bool, logs []string) {
	ts := &rpc.TransactionSignature{Signature: s, Slot: uint64(s[0])}
	meta := &rpc.TransactionMeta{LogMessages: logs}
	if failed {
		ts.Err = map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}
		meta.Err = ts.Err
	}
	f.sigs = append([]*rpc.TransactionSignature{ts}, f.sigs...)
	if f.txs == nil {
		f.txs = map[solana.Signature]*rpc.GetTransactionResult{}
	}
	f.txs[s] = &rpc.GetTransactionResult{Slot: uint64(s[0]), Meta: meta}
}

func newSolanaSource(f *fakeSolanaRPC, pageLimit int) *SolanaSource {
	return NewSolanaSource(f, SolanaConfig{
		ProgramID:      testProgram,
		PageLimit:      pageLimit,
		InputToken:     "SOL",
		InputDecimals:  9,
		OutputDecimals: 6,
	}, zap.NewNop().Sugar())
}

func TestSolanaSourceDecodesAndAdvancesCursor(t *testing.T) {
	f := &fakeSolanaRPC{}
	f.push(sig(1), false, burnLogs(1_500_000, 10_000_000))
	f.push(sig(2), true, burnLogs(1, 1))
	f.push(sig(3), false, []string{"Program log: unrelated"})
	src := newSolanaSource(f, 100)

	results, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	e := results[0].Event
	assert.Equal(t, models.ChainSolana, e.Chain)
	assert.Equal(t, sig(1).String(), e.TxHash)
	assert.Equal(t, "SOL", e.InputToken)
	assert.Equal(t, "0.693", e.InputAmount)
	assert.Equal(t, "1.5", e.BurnedAmount)
	assert.Equal(t, "10", e.TotalBurned)
	assert.Equal(t, solana.SolMint.String(), e.OutputToken)
	assert.Equal(t, int64(1_700_000_000), e.Timestamp.Unix())
	require.NotNil(t, e.Solana)
	assert.Equal(t, uint64(1), e.Solana.Slot)
	assert.NoError(t, e.Validate())
	assert.Equal(t, sig(3), src.Cursor())

	f.push(sig(4), false, burnLogs(2_000_000, 12_000_000))
	results, err = src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, sig(4).String(), results[0].Event.TxHash)
	assert.Equal(t, sig(3), f.queries[len(f.queries)-1].Until)
}

func TestSolanaSourcePagesOldestFirst(t *testing.T) {
	f := &fakeSolanaRPC{}
	f.push(sig(1), false, burnLogs(1, 1))
	src := newSolanaSource(f, 2)
	_, err := src.Poll(context.Background())
	require.NoError(t, err)

	for b := byte(10); b < 15; b++ {
		f.push(sig(b), false, burnLogs(1, uint64(b)))
	}
	results, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, res := range results {
		assert.Equal(t, sig(byte(10+i)).String(), res.Event.TxHash)
	}
	assert.Equal(t, sig(14), src.Cursor())
}

func TestSolanaSourceKeepsCursorOnFailure(t *testing.T) {
	f := &fakeSolanaRPC{}
	f.push(sig(1), false, burnLogs(1, 1))
	src := newSolanaSource(f, 100)
	_, err := src.Poll(context.Background())
	require.NoError(t, err)

	f.push(sig(2), false, burnLogs(1, 2))
	f.failTx = true
	_, err = src.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
	assert.Equal(t, sig(1), src.Cursor())

	f.failTx = false
	results, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, sig(2).String(), results[0].Event.TxHash)
}

func TestSolanaSourceReportsMalformedEvent(t *testing.T) {
	f := &fakeSolanaRPC{}
	f.push(sig(1), false, burnLogs(10, 5))
	src := newSolanaSource(f, 100)

	results, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.KindData, models.KindOf(results[0].Err))
}
