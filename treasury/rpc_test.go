package treasury

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"buyback_feed/models"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.ErrorKind
	}{
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), models.KindTransient},
		{"rate limited", jsonrpc.NewHTTPError(429, errors.New("429 Too Many Requests")), models.KindTransient},
		{"node down", jsonrpc.NewHTTPError(503, errors.New("503 Service Unavailable")), models.KindTransient},
		{"bad request", jsonrpc.NewHTTPError(400, errors.New("400 Bad Request")), models.KindExecution},
		{"expired blockhash", &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}, models.KindTransient},
		{"simulation failure", &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Error processing Instruction 0"}, models.KindExecution},
		{"reset", errors.New("read tcp: connection reset by peer"), models.KindTransient},
		{"unknown", errors.New("invalid transaction"), models.KindExecution},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, models.KindOf(classify("op", tc.err)))
		})
	}
	assert.NoError(t, classify("op", nil))
}

func TestErrorMatchers(t *testing.T) {
	assert.True(t, isAlreadyInUse(errors.New("Allocate: account Address { .. } already in use")))
	assert.False(t, isAlreadyInUse(nil))
	assert.True(t, isAlreadyProcessed(errors.New("This transaction has already been processed")))
	assert.True(t, isMissingAccount(errors.New("Invalid param: could not find account")))
}
