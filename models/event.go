package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Chain string

const (
	ChainSolana   Chain = "solana"
	ChainEthereum Chain = "ethereum"
)

// Chains lists every tracked chain in display order.
var Chains = []Chain{ChainSolana, ChainEthereum}

func (c Chain) Valid() bool {
	return c == ChainSolana || c == ChainEthereum
}

func (c Chain) String() string {
	return string(c)
}

// SolanaDetails carries the fields only a Solana observation has.
type SolanaDetails struct {
	Slot      uint64 `json:"slot"`
	ProgramID string `json:"programId"`
}

// EthereumDetails carries the fields only an Ethereum observation has.
type EthereumDetails struct {
	BlockNumber uint64 `json:"blockNumber"`
	LogIndex    uint   `json:"logIndex"`
	Contract    string `json:"contract"`
}

// BurnEvent is a single confirmed buyback-and-burn transaction. Amounts are
// decimal strings in token units and are never converted to floats.
// Exactly one of Solana/Ethereum is set, matching Chain.
type BurnEvent struct {
	Chain        Chain     `json:"chain"`
	TxHash       string    `json:"txHash"`
	InputToken   string    `json:"inputToken"`
	InputAmount  string    `json:"inputAmount"`
	BurnedAmount string    `json:"burnedAmount"`
	OutputToken  string    `json:"outputToken"`
	TotalBurned  string    `json:"totalBurned"`
	Timestamp    time.Time `json:"timestamp"`

	Solana   *SolanaDetails   `json:"solana,omitempty"`
	Ethereum *EthereumDetails `json:"ethereum,omitempty"`
}

// Key is the identity of the event across the whole system.
func (e BurnEvent) Key() string {
	return EventKey(e.Chain, e.TxHash)
}

func EventKey(chain Chain, txHash string) string {
	return string(chain) + ":" + txHash
}

// Validate checks the event shape. Failures are Data errors.
func (e BurnEvent) Validate() error {
	if !e.Chain.Valid() {
		return Data("validate event", fmt.Errorf("unknown chain %q", e.Chain))
	}
	if e.TxHash == "" {
		return Data("validate event", fmt.Errorf("empty tx hash"))
	}
	for name, v := range map[string]string{
		"inputAmount":  e.InputAmount,
		"burnedAmount": e.BurnedAmount,
		"totalBurned":  e.TotalBurned,
	} {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return Data("validate event", fmt.Errorf("%s %q: %w", name, v, err))
		}
		if d.IsNegative() {
			return Data("validate event", fmt.Errorf("%s is negative: %s", name, v))
		}
	}
	switch e.Chain {
	case ChainSolana:
		if e.Ethereum != nil {
			return Data("validate event", fmt.Errorf("solana event %s carries ethereum details", e.TxHash))
		}
	case ChainEthereum:
		if e.Solana != nil {
			return Data("validate event", fmt.Errorf("ethereum event %s carries solana details", e.TxHash))
		}
	}
	return nil
}

// TotalBurnedDecimal parses TotalBurned. Validate must have passed.
func (e BurnEvent) TotalBurnedDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(e.TotalBurned)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FormatUnits renders a raw integer amount with the given number of decimals.
func FormatUnits(raw decimal.Decimal, decimals int32) string {
	return raw.Shift(-decimals).String()
}
