package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUserIDRequired guards multi-user queries against accidental table scans.
var ErrUserIDRequired = errors.New("user_id is required")

// --- Users ---

// GetUserByID returns a user by id or nil if not found.
func (d *Database) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_active, created_at, updated_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_active, created_at, updated_at
		FROM users WHERE email = ?
	`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// --- Webhook configs ---

const webhookColumns = `id, user_id, token, is_active, last_triggered, total_triggers, created_at, updated_at`

// GetWebhookForUser returns the user's webhook config or nil.
func (d *Database) GetWebhookForUser(ctx context.Context, userID string) (*WebhookConfig, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_configs WHERE user_id = ?`, userID)
	return scanWebhook(row)
}

// GetWebhookByUserToken returns the webhook matching both user and token, or nil.
func (d *Database) GetWebhookByUserToken(ctx context.Context, userID, token string) (*WebhookConfig, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_configs WHERE user_id = ? AND token = ?`, userID, token)
	return scanWebhook(row)
}

func scanWebhook(row *sql.Row) (*WebhookConfig, error) {
	var w WebhookConfig
	var last sql.NullTime
	if err := row.Scan(&w.ID, &w.UserID, &w.Token, &w.IsActive, &last, &w.TotalTriggers, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if last.Valid {
		w.LastTriggered = &last.Time
	}
	return &w, nil
}

// CreateWebhook inserts a new webhook config row.
func (d *Database) CreateWebhook(ctx context.Context, w WebhookConfig) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO webhook_configs (id, user_id, token, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, w.ID, w.UserID, w.Token, w.IsActive, w.CreatedAt, w.UpdatedAt)
	return err
}

// UpdateWebhookToken replaces the user's webhook token.
func (d *Database) UpdateWebhookToken(ctx context.Context, userID, token string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE webhook_configs SET token = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?
	`, token, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetWebhookActive toggles the webhook's active flag.
func (d *Database) SetWebhookActive(ctx context.Context, userID string, active bool) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE webhook_configs SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE user_id = ?
	`, active, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchWebhookTrigger bumps the trigger counter and last-triggered timestamp.
func (d *Database) TouchWebhookTrigger(ctx context.Context, webhookID string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE webhook_configs
		SET total_triggers = total_triggers + 1, last_triggered = CURRENT_TIMESTAMP
		WHERE id = ?
	`, webhookID)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Job records ---

const jobColumns = `id, webhook_id, user_id, payload, status, COALESCE(response,''), COALESCE(error_message,''), created_at, processed_at`

// CreateJobRecord inserts a PENDING record for a freshly accepted signal.
func (d *Database) CreateJobRecord(ctx context.Context, r JobRecord) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO webhook_logs (id, webhook_id, user_id, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`, r.ID, r.WebhookID, r.UserID, r.Payload, r.Status, r.CreatedAt)
	return err
}

// GetJobRecord returns the record by id or nil.
func (d *Database) GetJobRecord(ctx context.Context, id string) (*JobRecord, error) {
	row := d.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM webhook_logs WHERE id = ?`, id)
	var r JobRecord
	var processed sql.NullTime
	if err := row.Scan(&r.ID, &r.WebhookID, &r.UserID, &r.Payload, &r.Status, &r.Response, &r.ErrorMessage, &r.CreatedAt, &processed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if processed.Valid {
		r.ProcessedAt = &processed.Time
	}
	return &r, nil
}

// MarkJobProcessing claims a record for execution. A record already in
// PROCESSING is claimable too: that state can only be observed on redelivery
// after a crash or shutdown interrupted the previous attempt, since the queue
// hands each job to one worker at a time. Returns false only for settled
// records (SUCCESS or FAILED).
func (d *Database) MarkJobProcessing(ctx context.Context, id string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE webhook_logs SET status = ?
		WHERE id = ? AND status IN (?, ?, ?)
	`, StatusProcessing, id, StatusPending, StatusRetryScheduled, StatusProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkJobSuccess settles a PROCESSING record with the adapter response.
func (d *Database) MarkJobSuccess(ctx context.Context, id, response string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE webhook_logs
		SET status = ?, response = ?, processed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, StatusSuccess, response, id, StatusProcessing)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkJobFailed settles a record terminally with an error message.
func (d *Database) MarkJobFailed(ctx context.Context, id, errMsg string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE webhook_logs
		SET status = ?, error_message = ?, processed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?)
	`, StatusFailed, errMsg, id, StatusProcessing, StatusRetryScheduled)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkJobRetryScheduled parks a PROCESSING record until redelivery.
func (d *Database) MarkJobRetryScheduled(ctx context.Context, id, errMsg string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE webhook_logs
		SET status = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, StatusRetryScheduled, errMsg, id, StatusProcessing)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ListJobRecords returns a page of the user's records, newest first, with the total count.
func (d *Database) ListJobRecords(ctx context.Context, userID string, page, limit int) ([]JobRecord, int64, error) {
	if userID == "" {
		return nil, 0, ErrUserIDRequired
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	var total int64
	if err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_logs WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM webhook_logs
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, userID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []JobRecord
	for rows.Next() {
		var r JobRecord
		var processed sql.NullTime
		if err := rows.Scan(&r.ID, &r.WebhookID, &r.UserID, &r.Payload, &r.Status, &r.Response, &r.ErrorMessage, &r.CreatedAt, &processed); err != nil {
			return nil, 0, err
		}
		if processed.Valid {
			r.ProcessedAt = &processed.Time
		}
		res = append(res, r)
	}
	return res, total, rows.Err()
}

// --- Bot settings ---

// GetBotSettings returns the user's trading policy or nil.
func (d *Database) GetBotSettings(ctx context.Context, userID string) (*BotSettings, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT user_id, is_enabled, max_positions, default_leverage, max_leverage,
		       risk_per_trade, COALESCE(allowed_symbols,'[]'), COALESCE(blacklisted_symbols,'[]')
		FROM bot_settings WHERE user_id = ?
	`, userID)

	var bs BotSettings
	var allowed, blacklisted string
	if err := row.Scan(&bs.UserID, &bs.IsEnabled, &bs.MaxPositions, &bs.DefaultLeverage,
		&bs.MaxLeverage, &bs.RiskPerTrade, &allowed, &blacklisted); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(allowed), &bs.AllowedSymbols); err != nil {
		return nil, fmt.Errorf("decode allowed_symbols: %w", err)
	}
	if err := json.Unmarshal([]byte(blacklisted), &bs.BlacklistedSymbols); err != nil {
		return nil, fmt.Errorf("decode blacklisted_symbols: %w", err)
	}
	return &bs, nil
}

// --- API keys ---

// GetActiveAPIKey returns the user's active, validated credential or nil.
func (d *Database) GetActiveAPIKey(ctx context.Context, userID string) (*APIKey, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, exchange, api_key, secret_key, COALESCE(passphrase,''),
		       key_version, is_active, is_valid, last_validated, created_at
		FROM api_keys
		WHERE user_id = ? AND is_active = 1 AND is_valid = 1
		ORDER BY created_at DESC LIMIT 1
	`, userID)

	var k APIKey
	var validated sql.NullTime
	if err := row.Scan(&k.ID, &k.UserID, &k.Exchange, &k.APIKey, &k.SecretKey, &k.Passphrase,
		&k.KeyVersion, &k.IsActive, &k.IsValid, &validated, &k.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if validated.Valid {
		k.LastValidated = &validated.Time
	}
	return &k, nil
}

// GetAPIKeyByID returns a credential by id, scoped to its owner.
func (d *Database) GetAPIKeyByID(ctx context.Context, userID, id string) (*APIKey, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, user_id, exchange, api_key, secret_key, COALESCE(passphrase,''),
		       key_version, is_active, is_valid, last_validated, created_at
		FROM api_keys WHERE id = ? AND user_id = ?
	`, id, userID)

	var k APIKey
	var validated sql.NullTime
	if err := row.Scan(&k.ID, &k.UserID, &k.Exchange, &k.APIKey, &k.SecretKey, &k.Passphrase,
		&k.KeyVersion, &k.IsActive, &k.IsValid, &validated, &k.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if validated.Valid {
		k.LastValidated = &validated.Time
	}
	return &k, nil
}

// --- Orders ---

// CreateOrder inserts an executed order row.
func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, webhook_log_id, exchange, exchange_order_id, symbol, side, type,
			status, price, quantity, leverage, stop_loss, take_profit, executed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`, o.ID, o.UserID, o.WebhookLogID, o.Exchange, o.ExchangeOrderID, o.Symbol, o.Side, o.Type,
		o.Status, o.Price, o.Quantity, o.Leverage, o.StopLoss, o.TakeProfit, o.ExecutedAt, o.CreatedAt)
	return err
}

// --- Positions ---

// OpenPosition upserts on the composite key (user, exchange, symbol, side);
// an addition to an existing open position accumulates quantity and reopens
// the row if it was closed.
func (d *Database) OpenPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (id, user_id, exchange, symbol, side, quantity, entry_price, leverage, is_open, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, COALESCE(?, CURRENT_TIMESTAMP))
		ON CONFLICT(user_id, exchange, symbol, side) DO UPDATE SET
			quantity = CASE WHEN positions.is_open = 1 THEN positions.quantity + excluded.quantity ELSE excluded.quantity END,
			entry_price = excluded.entry_price,
			leverage = excluded.leverage,
			is_open = 1,
			closed_at = NULL,
			opened_at = CASE WHEN positions.is_open = 1 THEN positions.opened_at ELSE excluded.opened_at END
	`, p.ID, p.UserID, p.Exchange, p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.Leverage, p.OpenedAt)
	return err
}

// CountOpenPositions returns the user's currently open position count.
func (d *Database) CountOpenPositions(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	var n int
	err := d.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_id = ? AND is_open = 1`, userID).Scan(&n)
	return n, err
}

// ClosePositions marks the user's open rows for a symbol closed (both sides).
func (d *Database) ClosePositions(ctx context.Context, userID, exchange, symbol string) (int64, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	res, err := d.DB.ExecContext(ctx, `
		UPDATE positions SET is_open = 0, closed_at = ?
		WHERE user_id = ? AND exchange = ? AND symbol = ? AND is_open = 1
	`, time.Now(), userID, exchange, symbol)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
