package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/item-flow/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS request_logs (
	id                      TEXT PRIMARY KEY,
	item_id                 TEXT NOT NULL,
	search                  TEXT NOT NULL DEFAULT '',
	status                  TEXT NOT NULL,
	error                   TEXT,
	payload_json            TEXT NOT NULL,
	notified_at             DATETIME,
	last_notification_error TEXT NOT NULL DEFAULT '',
	created_at              DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS review_history (
	id                        TEXT PRIMARY KEY,
	item_id                   TEXT NOT NULL,
	subcategory               INTEGER NOT NULL,
	bad_format                INTEGER NOT NULL DEFAULT 0,
	wrong_information         INTEGER NOT NULL DEFAULT 0,
	wrong_physical_dimensions INTEGER NOT NULL DEFAULT 0,
	information_present_low   INTEGER NOT NULL DEFAULT 0,
	missing_specs_json        TEXT NOT NULL DEFAULT '[]',
	reviewed_at               DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS items (
	artikel_nummer TEXT PRIMARY KEY,
	payload_json   TEXT NOT NULL,
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_request_logs_item_id ON request_logs(item_id);
CREATE INDEX IF NOT EXISTS idx_request_logs_status ON request_logs(status);
CREATE INDEX IF NOT EXISTS idx_request_logs_notified_at ON request_logs(notified_at);
CREATE INDEX IF NOT EXISTS idx_review_history_subcategory ON review_history(subcategory, reviewed_at DESC);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveRequestPayload(ctx context.Context, itemID, search string, payload *model.ResultPayload) (*model.RequestLog, error) {
	if payload == nil {
		return nil, eris.New("sqlite: nil payload")
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal payload")
	}

	var errText sql.NullString
	if payload.Error != nil {
		errText = sql.NullString{String: *payload.Error, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO request_logs (id, item_id, search, status, error, payload_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, itemID, search, string(payload.Status), errText, string(payloadJSON), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert request log for item %s", itemID)
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

func (s *SQLiteStore) MarkNotificationSuccess(ctx context.Context, itemID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE request_logs SET notified_at = ?, last_notification_error = ''
		 WHERE id = (SELECT id FROM request_logs WHERE item_id = ? ORDER BY created_at DESC LIMIT 1)`,
		time.Now().UTC(), itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark notification success %s", itemID)
	}
	return checkRowsAffected(res, "request_log", itemID)
}

func (s *SQLiteStore) MarkNotificationFailure(ctx context.Context, itemID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE request_logs SET last_notification_error = ?
		 WHERE id = (SELECT id FROM request_logs WHERE item_id = ? ORDER BY created_at DESC LIMIT 1)`,
		msg, itemID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark notification failure %s", itemID)
	}
	return checkRowsAffected(res, "request_log", itemID)
}

func (s *SQLiteStore) PendingNotifications(ctx context.Context, limit int) ([]model.RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, search, status, error, payload_json, notified_at, last_notification_error, created_at
		 FROM request_logs WHERE notified_at IS NULL ORDER BY created_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pending notifications")
	}
	defer rows.Close()
	return collectRequestLogs(rows)
}

func (s *SQLiteStore) ListRequestLogs(ctx context.Context, filter LogFilter) ([]model.RequestLog, error) {
	query := `SELECT id, item_id, search, status, error, payload_json, notified_at, last_notification_error, created_at
	          FROM request_logs WHERE 1=1`
	var args []any

	if filter.ItemID != "" {
		query += ` AND item_id = ?`
		args = append(args, filter.ItemID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list request logs")
	}
	defer rows.Close()
	return collectRequestLogs(rows)
}

func (s *SQLiteStore) AppendReviewEntry(ctx context.Context, entry model.ReviewEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ReviewedAt.IsZero() {
		entry.ReviewedAt = time.Now().UTC()
	}

	specsJSON, err := json.Marshal(entry.MissingSpecs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal missing specs")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_history
		 (id, item_id, subcategory, bad_format, wrong_information, wrong_physical_dimensions, information_present_low, missing_specs_json, reviewed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ItemID, entry.Subcategory,
		boolInt(entry.BadFormat), boolInt(entry.WrongInformation),
		boolInt(entry.WrongPhysicalDims), boolInt(entry.InformationPresentLow),
		string(specsJSON), entry.ReviewedAt,
	)
	return eris.Wrapf(err, "sqlite: append review entry for item %s", entry.ItemID)
}

func (s *SQLiteStore) RecentReviewsBySubcategory(ctx context.Context, subcategory int, limit int) ([]model.ReviewEntry, error) {
	if limit <= 0 {
		limit = model.ReviewSignalWindow
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, subcategory, bad_format, wrong_information, wrong_physical_dimensions, information_present_low, missing_specs_json, reviewed_at
		 FROM review_history WHERE subcategory = ? ORDER BY reviewed_at DESC LIMIT ?`,
		subcategory, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent reviews")
	}
	defer rows.Close()

	var entries []model.ReviewEntry
	for rows.Next() {
		var e model.ReviewEntry
		var badFormat, wrongInfo, wrongDims, infoLow int
		var specsJSON string
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Subcategory, &badFormat, &wrongInfo, &wrongDims, &infoLow, &specsJSON, &e.ReviewedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan review entry")
		}
		e.BadFormat = badFormat != 0
		e.WrongInformation = wrongInfo != 0
		e.WrongPhysicalDims = wrongDims != 0
		e.InformationPresentLow = infoLow != 0
		if err := json.Unmarshal([]byte(specsJSON), &e.MissingSpecs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal missing specs")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: recent reviews iterate")
}

func (s *SQLiteStore) GetItem(ctx context.Context, itemID string) (map[string]any, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload_json FROM items WHERE artikel_nummer = ?`,
		itemID,
	)

	var payloadJSON string
	err := row.Scan(&payloadJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get item %s", itemID)
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &record); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal item")
	}
	return record, nil
}

func (s *SQLiteStore) SaveItem(ctx context.Context, itemID string, record map[string]any) error {
	payloadJSON, err := json.Marshal(record)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal item")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items (artikel_nummer, payload_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (artikel_nummer) DO UPDATE SET payload_json = excluded.payload_json, updated_at = excluded.updated_at`,
		itemID, string(payloadJSON), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save item %s", itemID)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func collectRequestLogs(rows *sql.Rows) ([]model.RequestLog, error) {
	var logs []model.RequestLog
	for rows.Next() {
		var l model.RequestLog
		var errText sql.NullString
		var payloadJSON string
		var notifiedAt sql.NullTime

		if err := rows.Scan(&l.ID, &l.ItemID, &l.Search, &l.Status, &errText, &payloadJSON, &notifiedAt, &l.LastNotificationError, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan request log")
		}
		if errText.Valid {
			l.Error = &errText.String
		}
		if notifiedAt.Valid {
			t := notifiedAt.Time
			l.NotifiedAt = &t
		}
		l.Payload = &model.ResultPayload{}
		if err := json.Unmarshal([]byte(payloadJSON), l.Payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal payload")
		}
		logs = append(logs, l)
	}
	return logs, eris.Wrap(rows.Err(), "sqlite: request logs iterate")
}
