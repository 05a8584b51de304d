// Package jupiter talks to the swap aggregator's REST API: a quote for the
// route, then an unsigned transaction executing it.
package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"buyback_feed/models"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Quote asks for the best route swapping amount raw units of inputMint.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error) {
	q := url.Values{
		"inputMint":   {inputMint},
		"outputMint":  {outputMint},
		"amount":      {strconv.FormatUint(amount, 10)},
		"slippageBps": {strconv.Itoa(slippageBps)},
	}

	body, err := c.do(ctx, http.MethodGet, "/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, models.Data("decode quote", err)
	}
	if quote.OutAmount == "" || quote.OutAmount == "0" {
		return nil, models.Execution("quote", fmt.Errorf("no route for %d of %s", amount, inputMint))
	}
	quote.Raw = body
	return &quote, nil
}

// SwapTransaction returns the base64 unsigned transaction for quote. The
// input is spent from the user's wrapped-SOL account. A non-zero
// maxPriorityLamports asks for a high priority fee capped at that amount.
func (c *Client) SwapTransaction(ctx context.Context, quote *Quote, user string, maxPriorityLamports uint64) (*SwapResponse, error) {
	req := SwapRequest{
		QuoteResponse:           quote.Raw,
		UserPublicKey:           user,
		WrapAndUnwrapSol:        false,
		DynamicComputeUnitLimit: true,
	}
	if maxPriorityLamports > 0 {
		fee := &PriorityFee{}
		fee.PriorityLevelWithMaxLamports.MaxLamports = maxPriorityLamports
		fee.PriorityLevelWithMaxLamports.PriorityLevel = "high"
		req.PrioritizationFeeLamports = fee
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal swap request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/swap", payload)
	if err != nil {
		return nil, err
	}

	var swap SwapResponse
	if err := json.Unmarshal(body, &swap); err != nil {
		return nil, models.Data("decode swap", err)
	}
	if swap.SwapTransaction == "" {
		return nil, models.Execution("swap", fmt.Errorf("empty swap transaction"))
	}
	return &swap, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	op := method + " " + strings.SplitN(path, "?", 2)[0]

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, models.Transient(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, models.Transient(op, fmt.Errorf("status %d", resp.StatusCode))
	default:
		var e errorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, models.Execution(op, fmt.Errorf("status %d: %s", resp.StatusCode, e.Error))
		}
		return nil, models.Execution(op, fmt.Errorf("status %d", resp.StatusCode))
	}
}
