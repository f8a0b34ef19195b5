package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "zerodha-oms/internal/errors"
	"zerodha-oms/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-based store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Immediate transactions take the write lock up front so concurrent
	// pollers wait on busy_timeout instead of failing to upgrade.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables, indexes and triggers.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per broker-directed leg
	CREATE TABLE IF NOT EXISTS orders (
		command_id TEXT PRIMARY KEY,
		intent_id TEXT,
		parent_command_id TEXT,
		execution_type TEXT NOT NULL CHECK (execution_type IN ('ENTRY', 'ADJUST', 'EXIT')),
		strategy_name TEXT NOT NULL,
		symbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		side TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		product_type TEXT NOT NULL,
		order_type TEXT NOT NULL,
		price REAL,
		stoploss REAL,
		target REAL,
		trail_sl REAL,
		status TEXT NOT NULL CHECK (status IN ('CREATED', 'SENT_TO_BROKER', 'EXECUTED', 'FAILED')),
		broker_order_id TEXT,
		broker_tag TEXT,
		average_price REAL NOT NULL DEFAULT 0,
		tag TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK (status != 'CREATED' OR broker_order_id IS NULL),
		CHECK (status NOT IN ('SENT_TO_BROKER', 'EXECUTED') OR broker_order_id IS NOT NULL)
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_strategy_symbol ON orders(strategy_name, symbol);
	CREATE INDEX IF NOT EXISTS idx_orders_broker_order_id ON orders(broker_order_id);
	CREATE INDEX IF NOT EXISTS idx_orders_intent ON orders(intent_id);

	-- Terminal records never change status
	CREATE TRIGGER IF NOT EXISTS orders_terminal_closed
	BEFORE UPDATE OF status ON orders
	WHEN OLD.status IN ('EXECUTED', 'FAILED') AND NEW.status != OLD.status
	BEGIN
		SELECT RAISE(ABORT, 'terminal order status');
	END;

	-- Append-only transition log
	CREATE TABLE IF NOT EXISTS order_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT,
		event TEXT NOT NULL,
		tag TEXT,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_events_command ON order_events(command_id);

	-- Broker orders with no local record, never actionable
	CREATE TABLE IF NOT EXISTS orphan_broker_orders (
		broker_order_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		exchange TEXT,
		side TEXT,
		quantity INTEGER,
		status TEXT,
		broker_tag TEXT,
		tag TEXT NOT NULL,
		seen_at DATETIME NOT NULL
	);

	-- Producer intents awaiting a consumer
	CREATE TABLE IF NOT EXISTS intents (
		intent_id TEXT PRIMARY KEY,
		intent_type TEXT NOT NULL CHECK (intent_type IN ('GENERIC', 'STRATEGY', 'ADVANCED', 'BASKET')),
		payload TEXT NOT NULL,
		reason TEXT,
		source TEXT,
		status TEXT NOT NULL,
		claimed_by TEXT,
		result TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_intents_type_status ON intents(intent_type, status);

	-- Last traded price per symbol for the DB-backed market provider
	CREATE TABLE IF NOT EXISTS market_snapshots (
		symbol TEXT PRIMARY KEY,
		last_price REAL NOT NULL,
		updated_at DATETIME NOT NULL
	);

	-- When each symbol was last seen flat at the broker
	CREATE TABLE IF NOT EXISTS flat_marks (
		symbol TEXT PRIMARY KEY,
		marked_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============================================================================
// Orders
// ============================================================================

const orderColumns = `command_id, COALESCE(intent_id, ''), COALESCE(parent_command_id, ''), execution_type,
	strategy_name, symbol, exchange, side, quantity, product_type, order_type, price, stoploss, target, trail_sl,
	status, COALESCE(broker_order_id, ''), COALESCE(broker_tag, ''), average_price, COALESCE(tag, ''),
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.OrderRecord, error) {
	var rec models.OrderRecord
	var price, stoploss, target, trail sql.NullFloat64

	err := row.Scan(&rec.CommandID, &rec.IntentID, &rec.ParentCommandID, &rec.ExecutionType,
		&rec.StrategyName, &rec.Symbol, &rec.Exchange, &rec.Side, &rec.Quantity, &rec.Product, &rec.OrderType,
		&price, &stoploss, &target, &trail,
		&rec.Status, &rec.BrokerOrderID, &rec.BrokerTag, &rec.AveragePrice, &rec.Tag,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.Price = fromNull(price)
	rec.StopLoss = fromNull(stoploss)
	rec.Target = fromNull(target)
	rec.TrailPercent = fromNull(trail)
	return &rec, nil
}

func toNull(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func fromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertOrder writes a new record together with its creation event.
func (s *SQLiteStore) InsertOrder(ctx context.Context, rec *models.OrderRecord) (bool, error) {
	if rec.Status == "" {
		rec.Status = models.StatusCreated
	}
	if rec.Status != models.StatusCreated && rec.Status != models.StatusFailed {
		return false, fmt.Errorf("%w: new record cannot start in %s", apperrors.ErrInvalidTransition, rec.Status)
	}

	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO orders (command_id, intent_id, parent_command_id, execution_type, strategy_name, symbol,
			exchange, side, quantity, product_type, order_type, price, stoploss, target, trail_sl,
			status, broker_tag, tag, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(command_id) DO NOTHING
	`, rec.CommandID, nullString(rec.IntentID), nullString(rec.ParentCommandID), rec.ExecutionType,
		rec.StrategyName, rec.Symbol, rec.Exchange, rec.Side, rec.Quantity, rec.Product, rec.OrderType,
		toNull(rec.Price), toNull(rec.StopLoss), toNull(rec.Target), toNull(rec.TrailPercent),
		rec.Status, nullString(rec.BrokerTag), nullString(rec.Tag), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("%w: insert order %s: %v", apperrors.ErrDatabaseError, rec.CommandID, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, models.OrderEvent{
		CommandID: rec.CommandID,
		ToStatus:  rec.Status,
		Event:     "REGISTERED",
		Tag:       rec.Tag,
		At:        now,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// GetOrder returns the record for commandID or ErrRecordNotFound.
func (s *SQLiteStore) GetOrder(ctx context.Context, commandID string) (*models.OrderRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE command_id = ?`, commandID)
	rec, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: order %s", apperrors.ErrRecordNotFound, commandID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return rec, nil
}

// ListOrders returns records matching filter, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.OrderRecord, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE 1=1`
	args := []interface{}{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " AND status IN (" + strings.Join(placeholders, ",") + ")"
	}
	if filter.ExecutionType != "" {
		query += " AND execution_type = ?"
		args = append(args, filter.ExecutionType)
	}
	if filter.Strategy != "" {
		query += " AND strategy_name = ?"
		args = append(args, filter.Strategy)
	}
	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.IntentID != "" {
		query += " AND intent_id = ?"
		args = append(args, filter.IntentID)
	}
	if filter.BrokerOrderID != "" {
		query += " AND broker_order_id = ?"
		args = append(args, filter.BrokerOrderID)
	}
	if filter.BrokerTag != "" {
		query += " AND broker_tag = ?"
		args = append(args, filter.BrokerTag)
	}
	if filter.WithExitRules {
		query += " AND (stoploss IS NOT NULL OR target IS NOT NULL OR trail_sl IS NOT NULL)"
	}

	query += " ORDER BY rowid ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var records []models.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Transition applies t if the record is still in t.From.
func (s *SQLiteStore) Transition(ctx context.Context, t Transition) (bool, error) {
	if !t.From.CanTransition(t.To) {
		return false, fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, t.From, t.To)
	}
	if t.To == models.StatusSentToBroker && t.BrokerOrderID == "" {
		return false, fmt.Errorf("%w: %s requires a broker order id", apperrors.ErrInvalidTransition, t.To)
	}
	if t.From == models.StatusCreated && t.To == models.StatusFailed && t.BrokerOrderID != "" {
		return false, fmt.Errorf("%w: unsent order cannot carry a broker order id", apperrors.ErrInvalidTransition)
	}

	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?,
			broker_order_id = COALESCE(?, broker_order_id),
			tag = COALESCE(?, tag),
			average_price = CASE WHEN ? > 0 THEN ? ELSE average_price END,
			updated_at = ?
		WHERE command_id = ? AND status = ?
	`, t.To, nullString(t.BrokerOrderID), nullString(t.Tag), t.AveragePrice, t.AveragePrice, now,
		t.CommandID, t.From)
	if err != nil {
		return false, fmt.Errorf("%w: transition %s: %v", apperrors.ErrDatabaseError, t.CommandID, err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return false, nil
	}

	event := t.Event
	if event == "" {
		event = string(t.To)
	}
	if err := insertEvent(ctx, tx, models.OrderEvent{
		CommandID:  t.CommandID,
		FromStatus: t.From,
		ToStatus:   t.To,
		Event:      event,
		Tag:        t.Tag,
		At:         now,
	}); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev models.OrderEvent) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO order_events (command_id, from_status, to_status, event, tag, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.CommandID, nullString(string(ev.FromStatus)), nullString(string(ev.ToStatus)), ev.Event,
		nullString(ev.Tag), ev.At)
	if err != nil {
		return fmt.Errorf("%w: insert event: %v", apperrors.ErrDatabaseError, err)
	}
	return nil
}

// AppendEvent records a non-transition event such as a cancel request.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev models.OrderEvent) error {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	return insertEvent(ctx, s.db, ev)
}

// ListEvents returns the audit trail of a record, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, commandID string) ([]models.OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, COALESCE(from_status, ''), COALESCE(to_status, ''), event, COALESCE(tag, ''), at
		FROM order_events WHERE command_id = ? ORDER BY id ASC
	`, commandID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.OrderEvent
	for rows.Next() {
		var ev models.OrderEvent
		if err := rows.Scan(&ev.CommandID, &ev.FromStatus, &ev.ToStatus, &ev.Event, &ev.Tag, &ev.At); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecordOrphan inserts a shadow row once per broker order id.
func (s *SQLiteStore) RecordOrphan(ctx context.Context, order models.Order) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO orphan_broker_orders (broker_order_id, symbol, exchange, side, quantity, status, broker_tag, tag, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker_order_id) DO NOTHING
	`, order.ID, order.Symbol, order.Exchange, order.Side, order.Quantity, order.Status,
		nullString(order.Tag), OrphanTag, s.now())
	if err != nil {
		return false, fmt.Errorf("%w: record orphan %s: %v", apperrors.ErrDatabaseError, order.ID, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// ListOrphans returns all shadow rows, oldest first.
func (s *SQLiteStore) ListOrphans(ctx context.Context) ([]OrphanOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT broker_order_id, symbol, COALESCE(exchange, ''), COALESCE(side, ''), COALESCE(quantity, 0),
			COALESCE(status, ''), COALESCE(broker_tag, ''), tag, seen_at
		FROM orphan_broker_orders ORDER BY seen_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphans: %w", err)
	}
	defer rows.Close()

	var orphans []OrphanOrder
	for rows.Next() {
		var o OrphanOrder
		if err := rows.Scan(&o.BrokerOrderID, &o.Symbol, &o.Exchange, &o.Side, &o.Quantity,
			&o.Status, &o.BrokerTag, &o.Tag, &o.SeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan orphan: %w", err)
		}
		orphans = append(orphans, o)
	}
	return orphans, rows.Err()
}

// StrategyExposure aggregates the strategy ledger.
func (s *SQLiteStore) StrategyExposure(ctx context.Context) (*Exposure, error) {
	marks := make(map[string]time.Time)
	markRows, err := s.db.QueryContext(ctx, `SELECT symbol, marked_at FROM flat_marks`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flat marks: %w", err)
	}
	for markRows.Next() {
		var symbol string
		var at time.Time
		if err := markRows.Scan(&symbol, &at); err != nil {
			markRows.Close()
			return nil, fmt.Errorf("failed to scan flat mark: %w", err)
		}
		marks[symbol] = at
	}
	markRows.Close()

	rows, err := s.db.QueryContext(ctx, `
		SELECT strategy_name, symbol, side, quantity, status, execution_type, updated_at
		FROM orders
		WHERE status = 'EXECUTED'
		   OR (status IN ('CREATED', 'SENT_TO_BROKER') AND execution_type IN ('ENTRY', 'ADJUST'))
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query exposure: %w", err)
	}
	defer rows.Close()

	exposure := &Exposure{
		Executed: make(map[string]map[string]int),
		InFlight: make(map[string]map[string]int),
	}
	opened := make(map[string]bool)
	add := func(m map[string]map[string]int, strategy, symbol string, qty int) {
		if m[strategy] == nil {
			m[strategy] = make(map[string]int)
		}
		m[strategy][symbol] += qty
	}

	for rows.Next() {
		var strategy, symbol string
		var side models.OrderSide
		var qty int
		var status models.OrderStatus
		var execType models.ExecutionType
		var updatedAt time.Time
		if err := rows.Scan(&strategy, &symbol, &side, &qty, &status, &execType, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exposure: %w", err)
		}

		if status != models.StatusExecuted {
			add(exposure.InFlight, strategy, symbol, side.Sign()*qty)
			opened[strategy+"\x00"+symbol] = true
			continue
		}

		// Fills from before the symbol was last flat are already closed out.
		if mark, ok := marks[symbol]; ok && !updatedAt.After(mark) {
			continue
		}
		if execType != models.ExecutionExit {
			opened[strategy+"\x00"+symbol] = true
		}
		add(exposure.Executed, strategy, symbol, side.Sign()*qty)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for strategy, symbols := range exposure.Executed {
		for symbol := range symbols {
			if !opened[strategy+"\x00"+symbol] {
				delete(symbols, symbol)
			}
		}
	}
	prune(exposure.Executed)
	prune(exposure.InFlight)
	return exposure, nil
}

// MarkFlat records that symbol had no broker exposure at the given time.
func (s *SQLiteStore) MarkFlat(ctx context.Context, symbol string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flat_marks (symbol, marked_at) VALUES (?, ?)
		ON CONFLICT(symbol) DO UPDATE SET marked_at = excluded.marked_at
		WHERE excluded.marked_at > flat_marks.marked_at
	`, symbol, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark flat: %w", err)
	}
	return nil
}

// ============================================================================
// Intents
// ============================================================================

const intentColumns = `intent_id, intent_type, payload, COALESCE(reason, ''), COALESCE(source, ''), status,
	COALESCE(claimed_by, ''), COALESCE(result, ''), created_at, updated_at`

func scanIntent(row rowScanner) (*models.IntentEntry, error) {
	var e models.IntentEntry
	var payload, result string
	if err := row.Scan(&e.IntentID, &e.Type, &payload, &e.Reason, &e.Source, &e.Status,
		&e.ClaimedBy, &result, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	if result != "" {
		if err := json.Unmarshal([]byte(result), &e.Result); err != nil {
			return nil, fmt.Errorf("decode intent result: %w", err)
		}
	}
	return &e, nil
}

// EnqueueIntent stores a new PENDING intent.
func (s *SQLiteStore) EnqueueIntent(ctx context.Context, entry *models.IntentEntry) error {
	if !entry.Type.Valid() {
		return fmt.Errorf("%w: unknown intent type %q", apperrors.ErrInvalidIntent, entry.Type)
	}
	now := s.now()
	entry.Status = models.IntentPending
	entry.CreatedAt = now
	entry.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intents (intent_id, intent_type, payload, reason, source, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.IntentID, entry.Type, string(entry.Payload), nullString(entry.Reason), nullString(entry.Source),
		entry.Status, now, now)
	if err != nil {
		return fmt.Errorf("%w: enqueue intent %s: %v", apperrors.ErrDatabaseError, entry.IntentID, err)
	}
	return nil
}

// ClaimIntent claims the oldest pending intent of type t. Losing a race to
// another consumer moves on to the next candidate.
func (s *SQLiteStore) ClaimIntent(ctx context.Context, t models.IntentType, consumer string) (*models.IntentEntry, error) {
	for {
		var intentID string
		err := s.db.QueryRowContext(ctx, `
			SELECT intent_id FROM intents WHERE intent_type = ? AND status = ? ORDER BY rowid ASC LIMIT 1
		`, t, models.IntentPending).Scan(&intentID)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to find pending intent: %w", err)
		}

		result, err := s.db.ExecContext(ctx, `
			UPDATE intents SET status = ?, claimed_by = ?, updated_at = ?
			WHERE intent_id = ? AND status = ?
		`, models.IntentClaimed, consumer, s.now(), intentID, models.IntentPending)
		if err != nil {
			return nil, fmt.Errorf("%w: claim intent %s: %v", apperrors.ErrDatabaseError, intentID, err)
		}
		if rows, _ := result.RowsAffected(); rows == 1 {
			return s.GetIntent(ctx, intentID)
		}
	}
}

// CompleteIntent records the terminal status and per-leg outcomes.
func (s *SQLiteStore) CompleteIntent(ctx context.Context, intentID string, status models.IntentStatus, result []models.LegResult) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not terminal", apperrors.ErrInvalidTransition, status)
	}

	var encoded sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("encode intent result: %w", err)
		}
		encoded = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET status = ?, result = ?, updated_at = ?
		WHERE intent_id = ? AND status = ?
	`, status, encoded, s.now(), intentID, models.IntentClaimed)
	if err != nil {
		return false, fmt.Errorf("%w: complete intent %s: %v", apperrors.ErrDatabaseError, intentID, err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// ReleaseClaims requeues intents a consumer claimed but never finished.
func (s *SQLiteStore) ReleaseClaims(ctx context.Context, consumer string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET status = ?, claimed_by = NULL, updated_at = ?
		WHERE status = ? AND claimed_by = ?
	`, models.IntentPending, s.now(), models.IntentClaimed, consumer)
	if err != nil {
		return 0, fmt.Errorf("%w: release claims: %v", apperrors.ErrDatabaseError, err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

// GetIntent returns an intent or ErrRecordNotFound.
func (s *SQLiteStore) GetIntent(ctx context.Context, intentID string) (*models.IntentEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE intent_id = ?`, intentID)
	e, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: intent %s", apperrors.ErrRecordNotFound, intentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent: %w", err)
	}
	return e, nil
}

// ListIntents returns intents matching filter, newest first.
func (s *SQLiteStore) ListIntents(ctx context.Context, filter IntentFilter) ([]models.IntentEntry, error) {
	query := `SELECT ` + intentColumns + ` FROM intents WHERE 1=1`
	args := []interface{}{}

	if filter.Type != "" {
		query += " AND intent_type = ?"
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY rowid DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()

	var entries []models.IntentEntry
	for rows.Next() {
		e, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ============================================================================
// Market snapshots
// ============================================================================

// SaveSnapshot upserts the last traded price of a symbol.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, symbol string, price float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_snapshots (symbol, last_price, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET last_price = excluded.last_price, updated_at = excluded.updated_at
	`, symbol, price, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the last traded price of a symbol.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, symbol string) (float64, time.Time, error) {
	var price float64
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT last_price, updated_at FROM market_snapshots WHERE symbol = ?
	`, symbol).Scan(&price, &at)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, fmt.Errorf("%w: %s", apperrors.ErrNoMarketPrice, symbol)
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return price, at, nil
}

var _ Store = (*SQLiteStore)(nil)
