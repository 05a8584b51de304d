package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"buyback_feed/models"

	"github.com/gagliardetto/solana-go"
)

const programDataPrefix = "Program data: "

// BuybackBurnedDiscriminator prefixes the Anchor-encoded BuybackBurned event.
var BuybackBurnedDiscriminator = EventDiscriminator("BuybackBurned")

// BuybackBurned mirrors the on-chain event layout (borsh, little endian).
type BuybackBurned struct {
	InputMint    solana.PublicKey
	OutputMint   solana.PublicKey
	InputAmount  uint64
	BurnedAmount uint64
	TotalBurned  uint64
	Timestamp    int64
}

// wire layout after the 8-byte discriminator
type buybackBurnedWire struct {
	InputMint    [32]byte
	OutputMint   [32]byte
	InputAmount  uint64
	BurnedAmount uint64
	TotalBurned  uint64
	Timestamp    int64
}

// EventDiscriminator is sha256("event:<name>")[:8], as Anchor computes it.
func EventDiscriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("event:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// DecodeBuybackBurned decodes one event payload including its discriminator.
func DecodeBuybackBurned(data []byte) (*BuybackBurned, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], BuybackBurnedDiscriminator[:]) {
		return nil, errNotBuyback
	}

	var w buybackBurnedWire
	if want := binary.Size(w); len(data)-8 < want {
		return nil, models.Data("decode BuybackBurned", fmt.Errorf("payload is %d bytes, want %d", len(data)-8, want))
	}
	if err := binary.Read(bytes.NewReader(data[8:]), binary.LittleEndian, &w); err != nil {
		return nil, models.Data("decode BuybackBurned", err)
	}
	if w.BurnedAmount > w.TotalBurned {
		return nil, models.Data("decode BuybackBurned", fmt.Errorf("burned %d exceeds running total %d", w.BurnedAmount, w.TotalBurned))
	}

	return &BuybackBurned{
		InputMint:    solana.PublicKeyFromBytes(w.InputMint[:]),
		OutputMint:   solana.PublicKeyFromBytes(w.OutputMint[:]),
		InputAmount:  w.InputAmount,
		BurnedAmount: w.BurnedAmount,
		TotalBurned:  w.TotalBurned,
		Timestamp:    w.Timestamp,
	}, nil
}

var errNotBuyback = fmt.Errorf("not a BuybackBurned event")

// ParseAnchorLogs extracts BuybackBurned events emitted directly by programID
// from a transaction's log messages. Events from other programs (including
// CPIs made by programID) are ignored. Undecodable payloads of the right
// event type come back as Data errors next to the events that did decode.
func ParseAnchorLogs(programID string, logs []string) ([]BuybackBurned, []error) {
	var (
		events []BuybackBurned
		errs   []error
		stack  []string
	)

	for _, line := range logs {
		if strings.HasPrefix(line, programDataPrefix) {
			if len(stack) == 0 || stack[len(stack)-1] != programID {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, programDataPrefix))
			if err != nil {
				errs = append(errs, models.Data("decode program data", err))
				continue
			}
			ev, err := DecodeBuybackBurned(raw)
			if err == errNotBuyback {
				continue
			}
			if err != nil {
				errs = append(errs, err)
				continue
			}
			events = append(events, *ev)
			continue
		}

		// "Program <id> invoke [n]", "Program <id> success", "Program <id> failed: ..."
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "Program" {
			continue
		}
		switch fields[2] {
		case "invoke":
			stack = append(stack, fields[1])
		case "success", "failed:":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return events, errs
}
