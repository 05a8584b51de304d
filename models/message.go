package models

import (
	"encoding/json"
	"fmt"
)

const (
	MessageTypeBuyback  = "buyback"
	MessageTypeSnapshot = "snapshot"
)

// BuybackMessage is the live push message; event fields are flattened.
type BuybackMessage struct {
	Type string `json:"type"`
	BurnEvent
}

type SnapshotMessage struct {
	Type   string               `json:"type"`
	Events []BurnEvent          `json:"events"`
	Stats  map[Chain]ChainStats `json:"stats"`
}

func NewBuybackMessage(e BurnEvent) BuybackMessage {
	return BuybackMessage{Type: MessageTypeBuyback, BurnEvent: e}
}

func NewSnapshotMessage(s FeedSnapshot) SnapshotMessage {
	return SnapshotMessage{Type: MessageTypeSnapshot, Events: s.RecentEvents, Stats: s.Stats}
}

// FeedMessage is a decoded push message: exactly one of Event or Snapshot is set.
// Dropped counts snapshot events discarded as invalid.
type FeedMessage struct {
	Type     string
	Event    *BurnEvent
	Snapshot *FeedSnapshot
	Dropped  int
}

// DecodeFeedMessage parses one push frame. Unknown types and bad payloads are Data errors.
func DecodeFeedMessage(raw []byte) (FeedMessage, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return FeedMessage{}, Data("decode feed message", err)
	}

	switch head.Type {
	case MessageTypeBuyback:
		var msg BuybackMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return FeedMessage{}, Data("decode buyback message", err)
		}
		if err := msg.BurnEvent.Validate(); err != nil {
			return FeedMessage{}, err
		}
		return FeedMessage{Type: head.Type, Event: &msg.BurnEvent}, nil
	case MessageTypeSnapshot:
		var msg SnapshotMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return FeedMessage{}, Data("decode snapshot message", err)
		}
		valid := make([]BurnEvent, 0, len(msg.Events))
		for _, e := range msg.Events {
			if e.Validate() == nil {
				valid = append(valid, e)
			}
		}
		snap := FeedSnapshot{RecentEvents: valid, Stats: msg.Stats}
		if snap.Stats == nil {
			snap.Stats = EmptyStats()
		}
		return FeedMessage{Type: head.Type, Snapshot: &snap, Dropped: len(msg.Events) - len(valid)}, nil
	default:
		return FeedMessage{}, Data("decode feed message", fmt.Errorf("unknown message type %q", head.Type))
	}
}
