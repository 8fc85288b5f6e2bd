package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"promobot/internal/audience"
	"promobot/internal/domain"
	logx "promobot/pkg/logx"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// OpenSQLite opens (and migrates) a SQLite file.
func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite out of SQLITE_BUSY and makes the status CAS
	// race-free.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// ---- customers ----

const customerCols = `id, name, phone, email, status, tags, frequency, last_visit, birthday, attributes`

func (s *sqliteStore) UpsertCustomer(ctx context.Context, c domain.Customer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO customers(`+customerCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, phone=excluded.phone, email=excluded.email,
		status=excluded.status, tags=excluded.tags, frequency=excluded.frequency,
		last_visit=excluded.last_visit, birthday=excluded.birthday, attributes=excluded.attributes`,
		c.ID, c.Name, c.Phone, c.Email, string(c.Status), mustJSON(nonNil(c.Tags)), c.Frequency,
		fmtTime(c.LastVisit), fmtTimePtr(c.Birthday), mustJSON(nonNilMap(c.Attributes)))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM customer_tags WHERE customer_id = ?`, c.ID); err != nil {
		return err
	}
	for _, tag := range uniqueLower(c.Tags) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO customer_tags(customer_id, tag) VALUES(?,?)`, c.ID, tag); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) FindActiveCustomers(ctx context.Context, q audience.Query) ([]domain.Customer, error) {
	where := []string{"c.status = 'active'"}
	var args []any
	if !q.All {
		if len(q.IncludeTags) > 0 {
			where = append(where, `EXISTS (SELECT 1 FROM customer_tags t WHERE t.customer_id = c.id AND t.tag IN (`+placeholders(len(q.IncludeTags))+`))`)
			args = appendStrings(args, q.IncludeTags)
		}
		if len(q.ExcludeTags) > 0 {
			where = append(where, `NOT EXISTS (SELECT 1 FROM customer_tags t WHERE t.customer_id = c.id AND t.tag IN (`+placeholders(len(q.ExcludeTags))+`))`)
			args = appendStrings(args, q.ExcludeTags)
		}
		if q.MinFrequency != nil {
			where = append(where, "c.frequency >= ?")
			args = append(args, *q.MinFrequency)
		}
		if q.MaxFrequency != nil {
			where = append(where, "c.frequency <= ?")
			args = append(args, *q.MaxFrequency)
		}
		if q.VisitedAfter != nil {
			where = append(where, "c.last_visit >= ?")
			args = append(args, fmtTime(*q.VisitedAfter))
		}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+prefixed("c.", customerCols)+` FROM customers c WHERE `+strings.Join(where, " AND ")+` ORDER BY c.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Customer
	for rows.Next() {
		c, err := scanSQLiteCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	c, err := scanSQLiteCustomer(s.db.QueryRowContext(ctx, `SELECT `+customerCols+` FROM customers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, fmt.Errorf("customer %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

func scanSQLiteCustomer(r scanner) (domain.Customer, error) {
	var (
		c                   domain.Customer
		status, tags, attrs string
		lastVisit           string
		birthday            sql.NullString
	)
	if err := r.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &status, &tags, &c.Frequency, &lastVisit, &birthday, &attrs); err != nil {
		return c, err
	}
	c.Status = domain.CustomerStatus(status)
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return c, fmt.Errorf("customer %s tags: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(attrs), &c.Attributes); err != nil {
		return c, fmt.Errorf("customer %s attributes: %w", c.ID, err)
	}
	var err error
	if c.LastVisit, err = parseTime(lastVisit); err != nil {
		return c, err
	}
	if c.Birthday, err = parseTimePtr(birthday); err != nil {
		return c, err
	}
	return c, nil
}

// ---- campaigns ----

const campaignCols = `id, name, description, template, media, targeting, start_at, end_at, recurrence, time_of_day, cron, status,
	total_recipients, messages_sent, delivered, read_count, clicked, responded, last_run_at, created_at, updated_at`

func (s *sqliteStore) LoadCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	c, err := scanSQLiteCampaign(s.db.QueryRowContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Campaign{}, fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

func (s *sqliteStore) SaveCampaign(ctx context.Context, c domain.Campaign) error {
	m := c.Metrics
	_, err := s.db.ExecContext(ctx, `INSERT INTO campaigns(`+campaignCols+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
		template=excluded.template, media=excluded.media, targeting=excluded.targeting,
		start_at=excluded.start_at, end_at=excluded.end_at, recurrence=excluded.recurrence,
		time_of_day=excluded.time_of_day, cron=excluded.cron, status=excluded.status,
		last_run_at=excluded.last_run_at, updated_at=excluded.updated_at`,
		c.ID, c.Name, c.Description, c.Template, mustJSON(nonNil(c.Media)), mustJSON(c.Targeting),
		fmtTime(c.Schedule.StartAt), fmtTimePtr(c.Schedule.EndAt), string(c.Schedule.Recurrence),
		c.Schedule.TimeOfDay, c.Schedule.Cron, string(c.Status),
		m.TotalRecipients, m.MessagesSent, m.Delivered, m.Read, m.Clicked, m.Responded,
		fmtTimePtr(c.LastRunAt), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	return err
}

func (s *sqliteStore) ListCampaigns(ctx context.Context, f CampaignFilter) ([]domain.Campaign, error) {
	where := []string{"1 = 1"}
	var args []any
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.Recurrences) > 0 {
		where = append(where, "recurrence IN ("+placeholders(len(f.Recurrences))+")")
		for _, r := range f.Recurrences {
			args = append(args, string(r))
		}
	}
	if f.StartBefore != nil {
		where = append(where, "start_at <= ?")
		args = append(args, fmtTime(*f.StartBefore))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE `+strings.Join(where, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanSQLiteCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) IncrementCampaignMetrics(ctx context.Context, id string, d domain.MetricsDelta) error {
	res, err := s.db.ExecContext(ctx, `UPDATE campaigns SET
		total_recipients = total_recipients + ?, messages_sent = messages_sent + ?,
		delivered = delivered + ?, read_count = read_count + ? WHERE id = ?`,
		max(0, d.TotalRecipients), max(0, d.MessagesSent), max(0, d.Delivered), max(0, d.Read), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanSQLiteCampaign(r scanner) (domain.Campaign, error) {
	var (
		c                             domain.Campaign
		media, targeting              string
		startAt, createdAt, updatedAt string
		endAt, lastRunAt              sql.NullString
		recurrence, status            string
	)
	err := r.Scan(&c.ID, &c.Name, &c.Description, &c.Template, &media, &targeting, &startAt, &endAt,
		&recurrence, &c.Schedule.TimeOfDay, &c.Schedule.Cron, &status,
		&c.Metrics.TotalRecipients, &c.Metrics.MessagesSent, &c.Metrics.Delivered, &c.Metrics.Read,
		&c.Metrics.Clicked, &c.Metrics.Responded, &lastRunAt, &createdAt, &updatedAt)
	if err != nil {
		return c, err
	}
	c.Status = domain.CampaignStatus(status)
	c.Schedule.Recurrence = domain.Recurrence(recurrence)
	if err := json.Unmarshal([]byte(media), &c.Media); err != nil {
		return c, fmt.Errorf("campaign %s media: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(targeting), &c.Targeting); err != nil {
		return c, fmt.Errorf("campaign %s targeting: %w", c.ID, err)
	}
	for _, p := range []struct {
		dst *time.Time
		src string
	}{{&c.Schedule.StartAt, startAt}, {&c.CreatedAt, createdAt}, {&c.UpdatedAt, updatedAt}} {
		if *p.dst, err = parseTime(p.src); err != nil {
			return c, err
		}
	}
	if c.Schedule.EndAt, err = parseTimePtr(endAt); err != nil {
		return c, err
	}
	if c.LastRunAt, err = parseTimePtr(lastRunAt); err != nil {
		return c, err
	}
	return c, nil
}

// ---- messages ----

const messageCols = `id, customer_id, campaign_id, phone, content, media, kind, status, sent_at, delivered_at, read_at,
	last_error, wa_id, scheduled_at, created_at, updated_at`

func (s *sqliteStore) CreateMessage(ctx context.Context, m domain.Message) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages(`+messageCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		messageArgs(m)...)
	return err
}

func (s *sqliteStore) UpdateMessage(ctx context.Context, m domain.Message, prev domain.MessageStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ?, sent_at = ?, delivered_at = ?, read_at = ?,
		last_error = ?, wa_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(m.Status), fmtTimePtr(m.Delivery.SentAt), fmtTimePtr(m.Delivery.DeliveredAt), fmtTimePtr(m.Delivery.ReadAt),
		m.Delivery.LastError, m.WaID, fmtTime(m.UpdatedAt), m.ID, string(prev))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetMessage(ctx, m.ID); err != nil {
		return err
	}
	return fmt.Errorf("message %s not in status %s: %w", m.ID, prev, domain.ErrConflict)
}

func (s *sqliteStore) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	m, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return m, err
}

func (s *sqliteStore) FindMessageByWaID(ctx context.Context, waID string) (domain.Message, error) {
	if waID == "" {
		return domain.Message{}, fmt.Errorf("empty gateway id: %w", domain.ErrNotFound)
	}
	m, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE wa_id = ? LIMIT 1`, waID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message with gateway id %s: %w", waID, domain.ErrNotFound)
	}
	return m, err
}

func (s *sqliteStore) FindMessagesAwaitingStatus(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageCols+` FROM messages
		WHERE status = 'sent' AND wa_id <> '' ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func messageArgs(m domain.Message) []any {
	return []any{
		m.ID, m.CustomerID, m.CampaignID, m.Phone, m.Content, mustJSON(nonNil(m.Media)), string(m.Kind), string(m.Status),
		fmtTimePtr(m.Delivery.SentAt), fmtTimePtr(m.Delivery.DeliveredAt), fmtTimePtr(m.Delivery.ReadAt),
		m.Delivery.LastError, m.WaID, fmtTimePtr(m.ScheduledAt), fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt),
	}
}

func scanSQLiteMessage(r scanner) (domain.Message, error) {
	var (
		m                                 domain.Message
		media, kind, status               string
		sentAt, deliveredAt, readAt, schd sql.NullString
		createdAt, updatedAt              string
	)
	err := r.Scan(&m.ID, &m.CustomerID, &m.CampaignID, &m.Phone, &m.Content, &media, &kind, &status,
		&sentAt, &deliveredAt, &readAt, &m.Delivery.LastError, &m.WaID, &schd, &createdAt, &updatedAt)
	if err != nil {
		return m, err
	}
	m.Kind = domain.MessageKind(kind)
	m.Status = domain.MessageStatus(status)
	if err := json.Unmarshal([]byte(media), &m.Media); err != nil {
		return m, fmt.Errorf("message %s media: %w", m.ID, err)
	}
	if m.Delivery.SentAt, err = parseTimePtr(sentAt); err != nil {
		return m, err
	}
	if m.Delivery.DeliveredAt, err = parseTimePtr(deliveredAt); err != nil {
		return m, err
	}
	if m.Delivery.ReadAt, err = parseTimePtr(readAt); err != nil {
		return m, err
	}
	if m.ScheduledAt, err = parseTimePtr(schd); err != nil {
		return m, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return m, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return m, err
	}
	return m, nil
}

// ---- helpers ----

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func prefixed(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func appendStrings(args []any, vs []string) []any {
	for _, v := range vs {
		args = append(args, v)
	}
	return args
}

func uniqueLower(tags []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
