// Package db archives accepted burn events in ClickHouse and reads them back
// to rehydrate the feed after a restart.
package db

import (
	"context"
	"fmt"
	"time"

	"buyback_feed/config"
	"buyback_feed/models"
	"buyback_feed/monitoring"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Duplicate (chain, tx_hash) rows collapse on merge; reads use FINAL.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS burn_events (
    chain LowCardinality(String),
    tx_hash String,
    input_token String,
    input_amount String,
    burned_amount String,
    output_token String,
    total_burned String,
    timestamp DateTime64(3, 'UTC'),
    slot UInt64,
    program_id String,
    block_number UInt64,
    log_index UInt32,
    contract String,
    inserted_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(inserted_at)
ORDER BY (chain, tx_hash)
`

const insertSQL = `INSERT INTO burn_events (chain, tx_hash, input_token, input_amount, burned_amount,
    output_token, total_burned, timestamp, slot, program_id, block_number, log_index, contract, inserted_at)`

const recentSQL = `
SELECT chain, tx_hash, input_token, input_amount, burned_amount, output_token, total_burned,
       timestamp, slot, program_id, block_number, log_index, contract, inserted_at
FROM burn_events FINAL
ORDER BY timestamp DESC
LIMIT ?
`

const keysSQL = `
SELECT chain, tx_hash
FROM burn_events FINAL
ORDER BY timestamp DESC
LIMIT ?
`

const statsSQL = `
SELECT chain,
       count() AS buyback_count,
       argMax(total_burned, toDecimal256OrZero(total_burned, 18)) AS total_burned
FROM burn_events FINAL
GROUP BY chain
`

type burnRow struct {
	Chain        string    `ch:"chain"`
	TxHash       string    `ch:"tx_hash"`
	InputToken   string    `ch:"input_token"`
	InputAmount  string    `ch:"input_amount"`
	BurnedAmount string    `ch:"burned_amount"`
	OutputToken  string    `ch:"output_token"`
	TotalBurned  string    `ch:"total_burned"`
	Timestamp    time.Time `ch:"timestamp"`
	Slot         uint64    `ch:"slot"`
	ProgramID    string    `ch:"program_id"`
	BlockNumber  uint64    `ch:"block_number"`
	LogIndex     uint32    `ch:"log_index"`
	Contract     string    `ch:"contract"`
	InsertedAt   time.Time `ch:"inserted_at"`
}

type keyRow struct {
	Chain  string `ch:"chain"`
	TxHash string `ch:"tx_hash"`
}

type statsRow struct {
	Chain        string `ch:"chain"`
	BuybackCount uint64 `ch:"buyback_count"`
	TotalBurned  string `ch:"total_burned"`
}

type ClickHouseDB struct {
	conn         driver.Conn
	queryTimeout time.Duration
}

func NewClickHouseDB(cfg *config.Config, logger *zap.SugaredLogger) (*ClickHouseDB, error) {
	ch := cfg.ClickHouse
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", ch.Host, ch.Port)},
		Auth: clickhouse.Auth{
			Database: ch.Database,
			Username: ch.User,
			Password: ch.Password,
		},
		Protocol:    clickhouse.Native,
		DialTimeout: ch.DialTimeout,
		Debug:       ch.Debug,
		Debugf:      logger.Debugf,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
	})
	if err != nil {
		return nil, models.Configuration("open clickhouse", err)
	}

	db := &ClickHouseDB{conn: conn, queryTimeout: ch.QueryTimeout}
	if db.queryTimeout <= 0 {
		db.queryTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), db.queryTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, models.Transient("ping clickhouse", errors.Wrapf(err, "clickhouse %s:%d", ch.Host, ch.Port))
	}
	if err := db.createTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *ClickHouseDB) createTable(ctx context.Context) error {
	if err := db.conn.Exec(ctx, createTableSQL); err != nil {
		return errors.Wrap(err, "create burn_events")
	}
	return nil
}

// InsertEvents writes one batch.
func (db *ClickHouseDB) InsertEvents(ctx context.Context, events []models.BurnEvent) error {
	if len(events) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		monitoring.QueryDuration.WithLabelValues("insert").Observe(time.Since(start).Seconds())
	}()

	batch, err := db.conn.PrepareBatch(ctx, insertSQL)
	if err != nil {
		return models.Transient("insert burn_events", errors.Wrap(err, "prepare batch"))
	}

	now := time.Now().UTC()
	for _, e := range events {
		row := toRow(e, now)
		if err := batch.AppendStruct(&row); err != nil {
			batch.Abort()
			return models.Data("insert burn_events", errors.Wrapf(err, "append %s", e.Key()))
		}
	}
	if err := batch.Send(); err != nil {
		return models.Transient("insert burn_events", errors.Wrapf(err, "send %d rows", len(events)))
	}
	return nil
}

// LoadRecent returns up to limit archived events, oldest first.
func (db *ClickHouseDB) LoadRecent(ctx context.Context, limit int) ([]models.BurnEvent, error) {
	start := time.Now()
	defer func() {
		monitoring.QueryDuration.WithLabelValues("recent").Observe(time.Since(start).Seconds())
	}()

	var rows []burnRow
	if err := db.conn.Select(ctx, &rows, recentSQL, limit); err != nil {
		return nil, models.Transient("load recent", errors.Wrap(err, "select burn_events"))
	}

	events := make([]models.BurnEvent, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		events = append(events, rows[i].toEvent())
	}
	return events, nil
}

// LoadKeys returns the dedup keys of the newest limit archived events,
// oldest first.
func (db *ClickHouseDB) LoadKeys(ctx context.Context, limit int) ([]string, error) {
	start := time.Now()
	defer func() {
		monitoring.QueryDuration.WithLabelValues("keys").Observe(time.Since(start).Seconds())
	}()

	var rows []keyRow
	if err := db.conn.Select(ctx, &rows, keysSQL, limit); err != nil {
		return nil, models.Transient("load keys", errors.Wrap(err, "select burn_events keys"))
	}
	return keysOf(rows), nil
}

// LoadStats returns per-chain counts and the highest running total archived.
func (db *ClickHouseDB) LoadStats(ctx context.Context) (map[models.Chain]models.ChainStats, error) {
	start := time.Now()
	defer func() {
		monitoring.QueryDuration.WithLabelValues("stats").Observe(time.Since(start).Seconds())
	}()

	var rows []statsRow
	if err := db.conn.Select(ctx, &rows, statsSQL); err != nil {
		return nil, models.Transient("load stats", errors.Wrap(err, "aggregate burn_events"))
	}

	stats := models.EmptyStats()
	for _, r := range rows {
		c := models.Chain(r.Chain)
		if !c.Valid() {
			continue
		}
		stats[c] = models.ChainStats{TotalBurned: r.TotalBurned, BuybackCount: r.BuybackCount}
	}
	return stats, nil
}

// Healthy pings with a short deadline.
func (db *ClickHouseDB) Healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return db.conn.Ping(ctx) == nil
}

func (db *ClickHouseDB) Close() error {
	return db.conn.Close()
}

func keysOf(rows []keyRow) []string {
	keys := make([]string, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		c := models.Chain(rows[i].Chain)
		if !c.Valid() || rows[i].TxHash == "" {
			continue
		}
		keys = append(keys, models.EventKey(c, rows[i].TxHash))
	}
	return keys
}

func toRow(e models.BurnEvent, insertedAt time.Time) burnRow {
	row := burnRow{
		Chain:        string(e.Chain),
		TxHash:       e.TxHash,
		InputToken:   e.InputToken,
		InputAmount:  e.InputAmount,
		BurnedAmount: e.BurnedAmount,
		OutputToken:  e.OutputToken,
		TotalBurned:  e.TotalBurned,
		Timestamp:    e.Timestamp.UTC(),
		InsertedAt:   insertedAt,
	}
	if e.Solana != nil {
		row.Slot = e.Solana.Slot
		row.ProgramID = e.Solana.ProgramID
	}
	if e.Ethereum != nil {
		row.BlockNumber = e.Ethereum.BlockNumber
		row.LogIndex = uint32(e.Ethereum.LogIndex)
		row.Contract = e.Ethereum.Contract
	}
	return row
}

func (r burnRow) toEvent() models.BurnEvent {
	e := models.BurnEvent{
		Chain:        models.Chain(r.Chain),
		TxHash:       r.TxHash,
		InputToken:   r.InputToken,
		InputAmount:  r.InputAmount,
		BurnedAmount: r.BurnedAmount,
		OutputToken:  r.OutputToken,
		TotalBurned:  r.TotalBurned,
		Timestamp:    r.Timestamp.UTC(),
	}
	switch e.Chain {
	case models.ChainSolana:
		e.Solana = &models.SolanaDetails{Slot: r.Slot, ProgramID: r.ProgramID}
	case models.ChainEthereum:
		e.Ethereum = &models.EthereumDetails{BlockNumber: r.BlockNumber, LogIndex: uint(r.LogIndex), Contract: r.Contract}
	}
	return e
}
