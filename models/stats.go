package models

// ChainStats are running totals for one chain. Both fields only ever grow.
type ChainStats struct {
	TotalBurned  string `json:"totalBurned"`
	BuybackCount uint64 `json:"buybackCount"`
}

// FeedSnapshot is what a subscriber needs to initialise without replaying history.
type FeedSnapshot struct {
	RecentEvents []BurnEvent          `json:"events"`
	Stats        map[Chain]ChainStats `json:"stats"`
}

// EmptyStats returns zeroed stats for every tracked chain.
func EmptyStats() map[Chain]ChainStats {
	stats := make(map[Chain]ChainStats, len(Chains))
	for _, c := range Chains {
		stats[c] = ChainStats{TotalBurned: "0"}
	}
	return stats
}

// Clone deep-copies the snapshot so callers can hold it past any later mutation.
func (s FeedSnapshot) Clone() FeedSnapshot {
	out := FeedSnapshot{
		RecentEvents: make([]BurnEvent, len(s.RecentEvents)),
		Stats:        make(map[Chain]ChainStats, len(s.Stats)),
	}
	copy(out.RecentEvents, s.RecentEvents)
	for i := range out.RecentEvents {
		out.RecentEvents[i] = out.RecentEvents[i].clone()
	}
	for c, st := range s.Stats {
		out.Stats[c] = st
	}
	return out
}

func (e BurnEvent) clone() BurnEvent {
	if e.Solana != nil {
		d := *e.Solana
		e.Solana = &d
	}
	if e.Ethereum != nil {
		d := *e.Ethereum
		e.Ethereum = &d
	}
	return e
}
