package jupiter

import "encoding/json"

// Quote is the subset of the quote response the agent reads. Raw keeps the
// full body, which must be echoed back unchanged when requesting the swap.
type Quote struct {
	InputMint            string `json:"inputMint"`
	InAmount             string `json:"inAmount"`
	OutputMint           string `json:"outputMint"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	SlippageBps          int    `json:"slippageBps"`
	PriceImpactPct       string `json:"priceImpactPct"`

	Raw json.RawMessage `json:"-"`
}

type SwapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports *PriorityFee    `json:"prioritizationFeeLamports,omitempty"`
}

// PriorityFee lets the service pick a fee level, capped at MaxLamports.
type PriorityFee struct {
	PriorityLevelWithMaxLamports struct {
		MaxLamports   uint64 `json:"maxLamports"`
		PriorityLevel string `json:"priorityLevel"`
	} `json:"priorityLevelWithMaxLamports"`
}

type SwapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}
