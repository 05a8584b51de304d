package treasury

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"buyback_feed/models"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// SignatureStatus is what the agent needs from getSignatureStatuses.
type SignatureStatus struct {
	Found     bool
	Confirmed bool
	Err       interface{}
}

// Chain is the Solana surface the agent depends on.
type Chain interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	// TokenBalance returns 0 when the token account does not exist.
	TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	AccountExists(ctx context.Context, account solana.PublicKey) (bool, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
}

// RPCChain adapts *rpc.Client. Every error it returns is classified as
// Transient or Execution.
type RPCChain struct {
	client *rpc.Client
}

func NewRPCChain(url string) *RPCChain {
	return &RPCChain{client: rpc.New(url)}
}

func (c *RPCChain) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := c.client.GetBalance(ctx, account, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, classify("getBalance", err)
	}
	return out.Value, nil
}

func (c *RPCChain) TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	out, err := c.client.GetTokenAccountBalance(ctx, account, rpc.CommitmentConfirmed)
	if err != nil {
		if isMissingAccount(err) {
			return 0, nil
		}
		return 0, classify("getTokenAccountBalance", err)
	}
	if out == nil || out.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, models.Data("getTokenAccountBalance", err)
	}
	return amount, nil
}

func (c *RPCChain) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := c.client.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify("getAccountInfo", err)
	}
	return true, nil
}

func (c *RPCChain) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return solana.Hash{}, classify("getLatestBlockhash", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, models.Transient("getLatestBlockhash", fmt.Errorf("empty response"))
	}
	return out.Value.Blockhash, nil
}

func (c *RPCChain) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	// The node must not rebroadcast on its own: resubmission is ours to
	// control, always with the same signed bytes.
	noRetries := uint(0)
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
		MaxRetries:          &noRetries,
	})
	if err != nil {
		return solana.Signature{}, classify("sendTransaction", err)
	}
	return sig, nil
}

func (c *RPCChain) SignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	out, err := c.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return SignatureStatus{}, classify("getSignatureStatuses", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	st := out.Value[0]
	return SignatureStatus{
		Found: true,
		Confirmed: st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
			st.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
		Err: st.Err,
	}, nil
}

// classify maps an RPC failure onto the error taxonomy: anything that may
// succeed on a retry is Transient, everything the node rejected is Execution.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.Transient(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.Transient(op, err)
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Code == 429 || httpErr.Code >= 500 {
			return models.Transient(op, err)
		}
		return models.Execution(op, err)
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if isBlockhashExpired(rpcErr.Message) {
			return models.Transient(op, err)
		}
		return models.Execution(op, err)
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"timeout", "connection reset", "connection refused", "eof", "too many requests"} {
		if strings.Contains(msg, hint) {
			return models.Transient(op, err)
		}
	}
	return models.Execution(op, err)
}

func isBlockhashExpired(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "blockhash not found")
}

func isMissingAccount(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "could not find account") || strings.Contains(msg, "invalid param: could not find")
}

// isAlreadyInUse recognises the error returned when creating an account
// that a concurrent or earlier transaction already created.
func isAlreadyInUse(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already in use")
}

// isAlreadyProcessed recognises a resubmission of a transaction that has
// already landed.
func isAlreadyProcessed(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already been processed")
}
