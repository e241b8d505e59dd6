package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/item-flow/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. Tests substitute a
// pgxmock pool through it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_request_log": `INSERT INTO request_logs (id, item_id, search, status, error, payload_json, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
	"mark_notified":      `UPDATE request_logs SET notified_at = $1, last_notification_error = '' WHERE id = (SELECT id FROM request_logs WHERE item_id = $2 ORDER BY created_at DESC LIMIT 1)`,
	"insert_review":      `INSERT INTO review_history (id, item_id, subcategory, bad_format, wrong_information, wrong_physical_dimensions, information_present_low, missing_specs_json, reviewed_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"recent_reviews":     `SELECT id, item_id, subcategory, bad_format, wrong_information, wrong_physical_dimensions, information_present_low, missing_specs_json, reviewed_at FROM review_history WHERE subcategory = $1 ORDER BY reviewed_at DESC LIMIT $2`,
	"get_item":           `SELECT payload_json FROM items WHERE artikel_nummer = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS request_logs (
	id                      TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	item_id                 TEXT NOT NULL,
	search                  TEXT NOT NULL DEFAULT '',
	status                  TEXT NOT NULL,
	error                   TEXT,
	payload_json            JSONB NOT NULL,
	notified_at             TIMESTAMPTZ,
	last_notification_error TEXT NOT NULL DEFAULT '',
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS review_history (
	id                        TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	item_id                   TEXT NOT NULL,
	subcategory               INTEGER NOT NULL,
	bad_format                BOOLEAN NOT NULL DEFAULT false,
	wrong_information         BOOLEAN NOT NULL DEFAULT false,
	wrong_physical_dimensions BOOLEAN NOT NULL DEFAULT false,
	information_present_low   BOOLEAN NOT NULL DEFAULT false,
	missing_specs_json        JSONB NOT NULL DEFAULT '[]',
	reviewed_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS items (
	artikel_nummer TEXT PRIMARY KEY,
	payload_json   JSONB NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_request_logs_item_id ON request_logs(item_id);
CREATE INDEX IF NOT EXISTS idx_request_logs_status ON request_logs(status);
CREATE INDEX IF NOT EXISTS idx_request_logs_pending ON request_logs(created_at) WHERE notified_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_review_history_subcategory ON review_history(subcategory, reviewed_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveRequestPayload(ctx context.Context, itemID, search string, payload *model.ResultPayload) (*model.RequestLog, error) {
	if payload == nil {
		return nil, eris.New("postgres: nil payload")
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal payload")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO request_logs (id, item_id, search, status, error, payload_json, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, itemID, search, string(payload.Status), payload.Error, payloadJSON, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert request log for item %s", itemID)
	}

	return &model.RequestLog{
		ID:        id,
		ItemID:    itemID,
		Search:    search,
		Status:    payload.Status,
		Error:     payload.Error,
		Payload:   payload,
		CreatedAt: now,
	}, nil
}

func (s *PostgresStore) MarkNotificationSuccess(ctx context.Context, itemID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE request_logs SET notified_at = $1, last_notification_error = ''
		 WHERE id = (SELECT id FROM request_logs WHERE item_id = $2 ORDER BY created_at DESC LIMIT 1)`,
		time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark notification success %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("request_log not found: %s", itemID)
	}
	return nil
}

func (s *PostgresStore) MarkNotificationFailure(ctx context.Context, itemID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE request_logs SET last_notification_error = $1
		 WHERE id = (SELECT id FROM request_logs WHERE item_id = $2 ORDER BY created_at DESC LIMIT 1)`,
		msg, itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark notification failure %s", itemID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("request_log not found: %s", itemID)
	}
	return nil
}

func (s *PostgresStore) PendingNotifications(ctx context.Context, limit int) ([]model.RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, item_id, search, status, error, payload_json, notified_at, last_notification_error, created_at
		 FROM request_logs WHERE notified_at IS NULL ORDER BY created_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending notifications")
	}
	defer rows.Close()
	return collectRequestLogRows(rows)
}

func (s *PostgresStore) ListRequestLogs(ctx context.Context, filter LogFilter) ([]model.RequestLog, error) {
	query := `SELECT id, item_id, search, status, error, payload_json, notified_at, last_notification_error, created_at
	          FROM request_logs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ItemID != "" {
		query += fmt.Sprintf(` AND item_id = $%d`, argIdx)
		args = append(args, filter.ItemID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list request logs")
	}
	defer rows.Close()
	return collectRequestLogRows(rows)
}

func (s *PostgresStore) AppendReviewEntry(ctx context.Context, entry model.ReviewEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ReviewedAt.IsZero() {
		entry.ReviewedAt = time.Now().UTC()
	}

	specsJSON, err := json.Marshal(entry.MissingSpecs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal missing specs")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO review_history
		 (id, item_id, subcategory, bad_format, wrong_information, wrong_physical_dimensions, information_present_low, missing_specs_json, reviewed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.ItemID, entry.Subcategory,
		entry.BadFormat, entry.WrongInformation,
		entry.WrongPhysicalDims, entry.InformationPresentLow,
		specsJSON, entry.ReviewedAt,
	)
	return eris.Wrapf(err, "postgres: append review entry for item %s", entry.ItemID)
}

func (s *PostgresStore) RecentReviewsBySubcategory(ctx context.Context, subcategory int, limit int) ([]model.ReviewEntry, error) {
	if limit <= 0 {
		limit = model.ReviewSignalWindow
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, item_id, subcategory, bad_format, wrong_information, wrong_physical_dimensions, information_present_low, missing_specs_json, reviewed_at
		 FROM review_history WHERE subcategory = $1 ORDER BY reviewed_at DESC LIMIT $2`,
		subcategory, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent reviews")
	}
	defer rows.Close()

	var entries []model.ReviewEntry
	for rows.Next() {
		var e model.ReviewEntry
		var specsJSON []byte
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Subcategory, &e.BadFormat, &e.WrongInformation, &e.WrongPhysicalDims, &e.InformationPresentLow, &specsJSON, &e.ReviewedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan review entry")
		}
		if err := json.Unmarshal(specsJSON, &e.MissingSpecs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal missing specs")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: recent reviews iterate")
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (map[string]any, error) {
	var payloadJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload_json FROM items WHERE artikel_nummer = $1`,
		itemID,
	).Scan(&payloadJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get item %s", itemID)
	}

	var record map[string]any
	if err := json.Unmarshal(payloadJSON, &record); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal item")
	}
	return record, nil
}

func (s *PostgresStore) SaveItem(ctx context.Context, itemID string, record map[string]any) error {
	payloadJSON, err := json.Marshal(record)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal item")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO items (artikel_nummer, payload_json, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (artikel_nummer) DO UPDATE SET payload_json = $2, updated_at = $3`,
		itemID, payloadJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save item %s", itemID)
}

func collectRequestLogRows(rows pgx.Rows) ([]model.RequestLog, error) {
	var logs []model.RequestLog
	for rows.Next() {
		var l model.RequestLog
		var payloadJSON []byte
		if err := rows.Scan(&l.ID, &l.ItemID, &l.Search, &l.Status, &l.Error, &payloadJSON, &l.NotifiedAt, &l.LastNotificationError, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan request log")
		}
		l.Payload = &model.ResultPayload{}
		if err := json.Unmarshal(payloadJSON, l.Payload); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal payload")
		}
		logs = append(logs, l)
	}
	return logs, eris.Wrap(rows.Err(), "postgres: request logs iterate")
}
