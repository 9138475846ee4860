package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/walltrack/walltrack-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside the runtime image without shipping the .sql file alongside it.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	log.Println("Successfully connected to PostgreSQL for WallTrack engine")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}

	log.Println("WallTrack schema initialized")
	return nil
}

// GetPool exposes the connection pool for subsystems that need raw queries.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// ─── Config persistence (config.Persister) ──────────────────────────

// SaveConfigVersion persists one config record. The active and draft rows
// are singletons: the previous row with the same status is replaced in the
// same transaction. A nil payload with status "draft" clears the draft.
func (s *PostgresStore) SaveConfigVersion(ctx context.Context, version int, status string, payload []byte) error {
	if payload == nil {
		_, err := s.pool.Exec(ctx, `DELETE FROM configs WHERE status = $1`, status)
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if status != "archived" {
		if _, err := tx.Exec(ctx, `DELETE FROM configs WHERE status = $1`, status); err != nil {
			return fmt.Errorf("failed to clear previous %s config: %w", status, err)
		}
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO configs (version, status, payload, updated_at) VALUES ($1, $2, $3, NOW())`,
		version, status, payload)
	if err != nil {
		return fmt.Errorf("failed to insert config version %d: %w", version, err)
	}

	return tx.Commit(ctx)
}

// LoadConfigByStatus returns the payload of the single config with the given
// status, or nil when none exists.
func (s *PostgresStore) LoadConfigByStatus(ctx context.Context, status string) ([]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM configs WHERE status = $1 ORDER BY version DESC LIMIT 1`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var payload []byte
	if err := rows.Scan(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ─── Wallets ────────────────────────────────────────────────────────

// LoadWallets returns every wallet row for cache warmup and refresh.
func (s *PostgresStore) LoadWallets(ctx context.Context) ([]models.WalletEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, is_monitored, is_blacklisted, COALESCE(cluster_id, ''),
		       is_cluster_leader, amplification, reputation, win_rate,
		       avg_pnl_pct, timing_pct, consistency, is_decaying, simulation_only
		FROM wallets`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.WalletEntry, 0)
	for rows.Next() {
		var e models.WalletEntry
		if err := rows.Scan(&e.Address, &e.IsMonitored, &e.IsBlacklisted, &e.ClusterID,
			&e.IsClusterLeader, &e.Amplification, &e.Reputation, &e.WinRate,
			&e.AvgPnLPct, &e.TimingPct, &e.Consistency, &e.IsDecaying, &e.SimulationOnly); err != nil {
			return nil, err
		}
		e.CachedAt = time.Now()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ─── Tokens ─────────────────────────────────────────────────────────

// SaveTokenRecord upserts the latest fetched token metadata for warmup and
// offline analysis. Cache-internal layers ("stale", "neutral") are not
// written back.
func (s *PostgresStore) SaveTokenRecord(ctx context.Context, t models.TokenRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tokens
			(address, symbol, price_usd, liquidity_usd, market_cap_usd, volume_24h_usd,
			 age_minutes, holder_count, top10_holder_pct, is_honeypot,
			 has_mint_authority, has_freeze_authority, source, fetched_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (address) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			price_usd = EXCLUDED.price_usd,
			liquidity_usd = EXCLUDED.liquidity_usd,
			market_cap_usd = EXCLUDED.market_cap_usd,
			volume_24h_usd = EXCLUDED.volume_24h_usd,
			age_minutes = EXCLUDED.age_minutes,
			holder_count = EXCLUDED.holder_count,
			top10_holder_pct = EXCLUDED.top10_holder_pct,
			is_honeypot = EXCLUDED.is_honeypot,
			has_mint_authority = EXCLUDED.has_mint_authority,
			has_freeze_authority = EXCLUDED.has_freeze_authority,
			source = EXCLUDED.source,
			fetched_at = EXCLUDED.fetched_at;
	`, t.Address, t.Symbol, t.PriceUSD, t.LiquidityUSD, t.MarketCapUSD, t.Volume24hUSD,
		t.AgeMinutes, t.HolderCount, t.Top10HolderPct, t.IsHoneypot,
		t.HasMintAuthority, t.HasFreezeAuthority, t.Source, t.FetchedAt)
	return err
}

// ─── Swap events & scored signals (append-only) ─────────────────────

// SaveSwapEvent appends a raw swap event. Returns false when the signature
// was already recorded (idempotent webhook redelivery).
func (s *PostgresStore) SaveSwapEvent(ctx context.Context, ev models.SwapEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO swap_events
			(tx_signature, wallet, token, direction, amount_token, amount_sol, slot, ts, raw_payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tx_signature) DO NOTHING;
	`, ev.TxSignature, ev.Wallet, ev.Token, string(ev.Direction),
		ev.AmountToken, ev.AmountSOL, int64(ev.Slot), ev.Timestamp, ev.RawPayload)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SaveScoredSignal appends a scoring verdict with its full factor breakdown
// and the exact weights snapshot it was computed with.
func (s *PostgresStore) SaveScoredSignal(ctx context.Context, sig models.ScoredSignal) error {
	factors, _ := json.Marshal(sig.Factors)
	weights, _ := json.Marshal(sig.WeightsSnapshot)
	gates, _ := json.Marshal(sig.GateFailures)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO scored_signals
			(tx_signature, wallet, token, final_score, tier, multiplier,
			 factors, weights, gate_failures, degraded, scored_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (tx_signature) DO NOTHING;
	`, sig.Event.TxSignature, sig.Event.Wallet, sig.Event.Token,
		sig.FinalScore, string(sig.Tier), sig.PositionMultiplier,
		factors, weights, gates, sig.Degraded, sig.ScoredAt)
	return err
}

// QuerySwapEvents returns raw events for a wallet within [from, to).
func (s *PostgresStore) QuerySwapEvents(ctx context.Context, wallet string, from, to time.Time) ([]models.SwapEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tx_signature, wallet, token, direction, amount_token, amount_sol, slot, ts
		FROM swap_events
		WHERE wallet = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts`, wallet, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.SwapEvent, 0)
	for rows.Next() {
		var ev models.SwapEvent
		var dir string
		var slot int64
		if err := rows.Scan(&ev.TxSignature, &ev.Wallet, &ev.Token, &dir,
			&ev.AmountToken, &ev.AmountSOL, &slot, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Direction = models.Direction(dir)
		ev.Slot = uint64(slot)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ─── Positions ──────────────────────────────────────────────────────

// SavePosition upserts the full position aggregate. The position manager is
// the only caller; writes happen under its per-position lock so the row
// never interleaves two concurrent updates.
func (s *PostgresStore) SavePosition(ctx context.Context, p models.Position) error {
	override, _ := json.Marshal(p.ExitOverride)
	levels, _ := json.Marshal(p.ExecutedScalingLevels)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions
			(id, wallet, token, mode, status, entry_price, entry_amount, entry_value_sol,
			 current_amount, current_price, peak_price, realized_pnl, unrealized_pnl,
			 exit_strategy_id, exit_override, executed_levels, opened_at, closed_at, close_reason, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_amount = EXCLUDED.current_amount,
			current_price = EXCLUDED.current_price,
			peak_price = EXCLUDED.peak_price,
			realized_pnl = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			executed_levels = EXCLUDED.executed_levels,
			closed_at = EXCLUDED.closed_at,
			close_reason = EXCLUDED.close_reason,
			updated_at = NOW();
	`, p.ID, p.Wallet, p.Token, string(p.Mode), string(p.Status),
		p.EntryPrice, p.EntryAmount, p.EntryValueSOL,
		p.CurrentAmount, p.CurrentPrice, p.PeakPrice, p.RealizedPnL, p.UnrealizedPnL,
		p.ExitStrategyID, override, levels, p.OpenedAt, p.ClosedAt, p.CloseReason)
	return err
}

// LoadOpenPositions returns every non-terminal position for recovery on
// restart.
func (s *PostgresStore) LoadOpenPositions(ctx context.Context) ([]models.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, wallet, token, mode, status, entry_price, entry_amount, entry_value_sol,
		       current_amount, current_price, peak_price, realized_pnl, unrealized_pnl,
		       COALESCE(exit_strategy_id, ''), exit_override, executed_levels,
		       opened_at, closed_at, COALESCE(close_reason, '')
		FROM positions
		WHERE status IN ('pending_entry', 'open', 'exiting')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]models.Position, 0)
	for rows.Next() {
		var p models.Position
		var mode, status string
		var override, levels []byte
		if err := rows.Scan(&p.ID, &p.Wallet, &p.Token, &mode, &status,
			&p.EntryPrice, &p.EntryAmount, &p.EntryValueSOL,
			&p.CurrentAmount, &p.CurrentPrice, &p.PeakPrice, &p.RealizedPnL, &p.UnrealizedPnL,
			&p.ExitStrategyID, &override, &levels,
			&p.OpenedAt, &p.ClosedAt, &p.CloseReason); err != nil {
			return nil, err
		}
		p.Mode = models.TradeMode(mode)
		p.Status = models.PositionStatus(status)
		if len(override) > 0 && string(override) != "null" {
			var ov models.ExitOverride
			if err := json.Unmarshal(override, &ov); err == nil {
				p.ExitOverride = &ov
			}
		}
		p.ExecutedScalingLevels = make(map[int]bool)
		if len(levels) > 0 {
			_ = json.Unmarshal(levels, &p.ExecutedScalingLevels)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ─── Orders ─────────────────────────────────────────────────────────

// SaveOrder upserts an order row. Status history is carried by the event
// log; this table always reflects the latest state.
func (s *PostgresStore) SaveOrder(ctx context.Context, o models.Order, priority models.Priority) error {
	var positionID interface{}
	if o.PositionID != "" {
		positionID = o.PositionID
	}
	var txSig interface{}
	if o.TxSignature != "" {
		txSig = o.TxSignature
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO orders
			(id, position_id, type, mode, token, amount_token, amount_sol, price, priority,
			 status, retry_count, max_retries, error, tx_signature,
			 requested_at, submitted_at, completed_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,NOW())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			error = EXCLUDED.error,
			tx_signature = EXCLUDED.tx_signature,
			price = EXCLUDED.price,
			submitted_at = EXCLUDED.submitted_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = NOW();
	`, o.ID, positionID, string(o.Type), string(o.Mode), o.Token,
		o.AmountToken, o.AmountSOL, o.Price, int(priority),
		string(o.Status), o.RetryCount, o.MaxRetries, o.Error, txSig,
		o.RequestedAt, o.SubmittedAt, o.CompletedAt)
	return err
}

// LoadPendingOrders returns orders persisted by the queue's shutdown drain,
// oldest first, so they can be replayed on restart.
func (s *PostgresStore) LoadPendingOrders(ctx context.Context) ([]models.Order, []models.Priority, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(position_id::text, ''), type, mode, token,
		       amount_token, amount_sol, price, priority, status,
		       retry_count, max_retries, COALESCE(error, ''), requested_at
		FROM orders
		WHERE status = 'pending'
		ORDER BY requested_at`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var orders []models.Order
	var priorities []models.Priority
	for rows.Next() {
		var o models.Order
		var typ, mode, status string
		var prio int
		if err := rows.Scan(&o.ID, &o.PositionID, &typ, &mode, &o.Token,
			&o.AmountToken, &o.AmountSOL, &o.Price, &prio, &status,
			&o.RetryCount, &o.MaxRetries, &o.Error, &o.RequestedAt); err != nil {
			return nil, nil, err
		}
		o.Type = models.OrderType(typ)
		o.Mode = models.TradeMode(mode)
		o.Status = models.OrderStatus(status)
		orders = append(orders, o)
		priorities = append(priorities, models.Priority(prio))
	}
	return orders, priorities, rows.Err()
}

// QueryOrdersByPosition returns all orders belonging to a position.
func (s *PostgresStore) QueryOrdersByPosition(ctx context.Context, positionID string) ([]models.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(position_id::text, ''), type, mode, token,
		       amount_token, amount_sol, price, status, retry_count, max_retries,
		       COALESCE(error, ''), COALESCE(tx_signature, ''), requested_at, submitted_at, completed_at
		FROM orders
		WHERE position_id = $1
		ORDER BY requested_at`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]models.Order, 0)
	for rows.Next() {
		var o models.Order
		var typ, mode, status string
		if err := rows.Scan(&o.ID, &o.PositionID, &typ, &mode, &o.Token,
			&o.AmountToken, &o.AmountSOL, &o.Price, &status, &o.RetryCount, &o.MaxRetries,
			&o.Error, &o.TxSignature, &o.RequestedAt, &o.SubmittedAt, &o.CompletedAt); err != nil {
			return nil, err
		}
		o.Type = models.OrderType(typ)
		o.Mode = models.TradeMode(mode)
		o.Status = models.OrderStatus(status)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ─── Breaker events ─────────────────────────────────────────────────

// SaveBreakerEvent appends one breaker transition record.
func (s *PostgresStore) SaveBreakerEvent(ctx context.Context, ev models.BreakerEvent) error {
	metrics, _ := json.Marshal(ev.Metrics)
	thresholds, _ := json.Marshal(ev.Thresholds)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO breaker_events (active, reason, metrics, thresholds, at)
		VALUES ($1,$2,$3,$4,$5);
	`, ev.Active, ev.Reason, metrics, thresholds, ev.At)
	return err
}
