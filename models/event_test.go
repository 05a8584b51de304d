package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent() BurnEvent {
	return BurnEvent{
		Chain:        ChainSolana,
		TxHash:       "5xSig",
		InputToken:   "SOL",
		InputAmount:  "0.693",
		BurnedAmount: "12000.5",
		OutputToken:  "SHITPOST",
		TotalBurned:  "99000.25",
		Timestamp:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Solana:       &SolanaDetails{Slot: 42, ProgramID: "prog"},
	}
}

func TestBurnEventValidate(t *testing.T) {
	assert.NoError(t, sampleEvent().Validate())

	cases := map[string]func(e *BurnEvent){
		"unknown chain":   func(e *BurnEvent) { e.Chain = "bitcoin" },
		"empty hash":      func(e *BurnEvent) { e.TxHash = "" },
		"bad decimal":     func(e *BurnEvent) { e.TotalBurned = "1.2.3" },
		"negative amount": func(e *BurnEvent) { e.BurnedAmount = "-3" },
		"wrong extension": func(e *BurnEvent) { e.Ethereum = &EthereumDetails{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := sampleEvent()
			mutate(&e)
			err := e.Validate()
			require.Error(t, err)
			assert.Equal(t, KindData, KindOf(err))
		})
	}
}

func TestBuybackMessageIsFlat(t *testing.T) {
	raw, err := json.Marshal(NewBuybackMessage(sampleEvent()))
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "buyback", fields["type"])
	assert.Equal(t, "solana", fields["chain"])
	assert.Equal(t, "5xSig", fields["txHash"])
	assert.Equal(t, "99000.25", fields["totalBurned"])
	assert.NotContains(t, fields, "ethereum")
}

func TestDecodeFeedMessage(t *testing.T) {
	raw, _ := json.Marshal(NewBuybackMessage(sampleEvent()))
	msg, err := DecodeFeedMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Event)
	assert.Equal(t, sampleEvent().Key(), msg.Event.Key())

	raw, _ = json.Marshal(NewSnapshotMessage(FeedSnapshot{RecentEvents: []BurnEvent{sampleEvent()}, Stats: EmptyStats()}))
	msg, err = DecodeFeedMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Snapshot)
	assert.Len(t, msg.Snapshot.RecentEvents, 1)

	_, err = DecodeFeedMessage([]byte(`{"type":"mystery"}`))
	assert.Equal(t, KindData, KindOf(err))

	_, err = DecodeFeedMessage([]byte(`not json`))
	assert.Equal(t, KindData, KindOf(err))
}

func TestDecodeSnapshotDropsInvalidEvents(t *testing.T) {
	noHash := sampleEvent()
	noHash.TxHash = ""
	badTotal := sampleEvent()
	badTotal.TxHash = "other"
	badTotal.TotalBurned = "lots"

	raw, err := json.Marshal(NewSnapshotMessage(FeedSnapshot{
		RecentEvents: []BurnEvent{noHash, sampleEvent(), badTotal},
		Stats:        EmptyStats(),
	}))
	require.NoError(t, err)

	msg, err := DecodeFeedMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Snapshot)
	require.Len(t, msg.Snapshot.RecentEvents, 1)
	assert.Equal(t, sampleEvent().Key(), msg.Snapshot.RecentEvents[0].Key())
	assert.Equal(t, 2, msg.Dropped)
}

func TestSnapshotCloneIsIndependent(t *testing.T) {
	snap := FeedSnapshot{RecentEvents: []BurnEvent{sampleEvent()}, Stats: EmptyStats()}
	cp := snap.Clone()

	cp.RecentEvents[0].Solana.Slot = 7
	cp.Stats[ChainSolana] = ChainStats{TotalBurned: "5", BuybackCount: 1}

	assert.Equal(t, uint64(42), snap.RecentEvents[0].Solana.Slot)
	assert.Equal(t, "0", snap.Stats[ChainSolana].TotalBurned)
}
