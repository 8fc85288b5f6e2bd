package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"promobot/internal/audience"
	"promobot/internal/domain"
	logx "promobot/pkg/logx"
)

//go:embed postgres_schema.sql
var postgresSchema string

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

// OpenPostgres connects a pgx pool and applies the schema.
func OpenPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Debug("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ---- customers ----

const pgCustomerCols = `id, name, phone, email, status, tags, frequency, last_visit, birthday, attributes`

func (s *postgresStore) UpsertCustomer(ctx context.Context, c domain.Customer) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO customers(id, name, phone, email, status, tags, tags_norm, frequency, last_visit, birthday, attributes)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, phone=EXCLUDED.phone, email=EXCLUDED.email,
		status=EXCLUDED.status, tags=EXCLUDED.tags, tags_norm=EXCLUDED.tags_norm, frequency=EXCLUDED.frequency,
		last_visit=EXCLUDED.last_visit, birthday=EXCLUDED.birthday, attributes=EXCLUDED.attributes`,
		c.ID, c.Name, c.Phone, c.Email, string(c.Status), nonNil(c.Tags), nonNil(uniqueLower(c.Tags)), c.Frequency,
		nullTime(c.LastVisit), c.Birthday, nonNilMap(c.Attributes))
	return err
}

func (s *postgresStore) FindActiveCustomers(ctx context.Context, q audience.Query) ([]domain.Customer, error) {
	where := []string{"status = 'active'"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !q.All {
		if len(q.IncludeTags) > 0 {
			where = append(where, "tags_norm && "+arg(q.IncludeTags))
		}
		if len(q.ExcludeTags) > 0 {
			where = append(where, "NOT (tags_norm && "+arg(q.ExcludeTags)+")")
		}
		if q.MinFrequency != nil {
			where = append(where, "frequency >= "+arg(*q.MinFrequency))
		}
		if q.MaxFrequency != nil {
			where = append(where, "frequency <= "+arg(*q.MaxFrequency))
		}
		if q.VisitedAfter != nil {
			where = append(where, "last_visit >= "+arg(*q.VisitedAfter))
		}
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgCustomerCols+` FROM customers WHERE `+strings.Join(where, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Customer
	for rows.Next() {
		c, err := scanPGCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *postgresStore) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	c, err := scanPGCustomer(s.pool.QueryRow(ctx, `SELECT `+pgCustomerCols+` FROM customers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Customer{}, fmt.Errorf("customer %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

func scanPGCustomer(r scanner) (domain.Customer, error) {
	var (
		c         domain.Customer
		status    string
		lastVisit *time.Time
	)
	if err := r.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &status, &c.Tags, &c.Frequency, &lastVisit, &c.Birthday, &c.Attributes); err != nil {
		return c, err
	}
	c.Status = domain.CustomerStatus(status)
	if lastVisit != nil {
		c.LastVisit = *lastVisit
	}
	return c, nil
}

// ---- campaigns ----

func (s *postgresStore) LoadCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	c, err := scanPGCampaign(s.pool.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Campaign{}, fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	return c, err
}

func (s *postgresStore) SaveCampaign(ctx context.Context, c domain.Campaign) error {
	m := c.Metrics
	_, err := s.pool.Exec(ctx, `INSERT INTO campaigns(`+campaignCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, description=EXCLUDED.description,
		template=EXCLUDED.template, media=EXCLUDED.media, targeting=EXCLUDED.targeting,
		start_at=EXCLUDED.start_at, end_at=EXCLUDED.end_at, recurrence=EXCLUDED.recurrence,
		time_of_day=EXCLUDED.time_of_day, cron=EXCLUDED.cron, status=EXCLUDED.status,
		last_run_at=EXCLUDED.last_run_at, updated_at=EXCLUDED.updated_at`,
		c.ID, c.Name, c.Description, c.Template, nonNil(c.Media), c.Targeting,
		c.Schedule.StartAt, c.Schedule.EndAt, string(c.Schedule.Recurrence),
		c.Schedule.TimeOfDay, c.Schedule.Cron, string(c.Status),
		m.TotalRecipients, m.MessagesSent, m.Delivered, m.Read, m.Clicked, m.Responded,
		c.LastRunAt, c.CreatedAt, c.UpdatedAt)
	return err
}

func (s *postgresStore) ListCampaigns(ctx context.Context, f CampaignFilter) ([]domain.Campaign, error) {
	where := []string{"TRUE"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			ss = append(ss, string(st))
		}
		where = append(where, "status = ANY("+arg(ss)+")")
	}
	if len(f.Recurrences) > 0 {
		rs := make([]string, 0, len(f.Recurrences))
		for _, r := range f.Recurrences {
			rs = append(rs, string(r))
		}
		where = append(where, "recurrence = ANY("+arg(rs)+")")
	}
	if f.StartBefore != nil {
		where = append(where, "start_at <= "+arg(*f.StartBefore))
	}
	rows, err := s.pool.Query(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE `+strings.Join(where, " AND ")+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanPGCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *postgresStore) IncrementCampaignMetrics(ctx context.Context, id string, d domain.MetricsDelta) error {
	tag, err := s.pool.Exec(ctx, `UPDATE campaigns SET
		total_recipients = total_recipients + $1, messages_sent = messages_sent + $2,
		delivered = delivered + $3, read_count = read_count + $4 WHERE id = $5`,
		max(0, d.TotalRecipients), max(0, d.MessagesSent), max(0, d.Delivered), max(0, d.Read), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanPGCampaign(r scanner) (domain.Campaign, error) {
	var (
		c                  domain.Campaign
		recurrence, status string
	)
	err := r.Scan(&c.ID, &c.Name, &c.Description, &c.Template, &c.Media, &c.Targeting, &c.Schedule.StartAt, &c.Schedule.EndAt,
		&recurrence, &c.Schedule.TimeOfDay, &c.Schedule.Cron, &status,
		&c.Metrics.TotalRecipients, &c.Metrics.MessagesSent, &c.Metrics.Delivered, &c.Metrics.Read,
		&c.Metrics.Clicked, &c.Metrics.Responded, &c.LastRunAt, &c.CreatedAt, &c.UpdatedAt)
	c.Status = domain.CampaignStatus(status)
	c.Schedule.Recurrence = domain.Recurrence(recurrence)
	return c, err
}

// ---- messages ----

func (s *postgresStore) CreateMessage(ctx context.Context, m domain.Message) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO messages(`+messageCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		m.ID, m.CustomerID, m.CampaignID, m.Phone, m.Content, nonNil(m.Media), string(m.Kind), string(m.Status),
		m.Delivery.SentAt, m.Delivery.DeliveredAt, m.Delivery.ReadAt, m.Delivery.LastError, m.WaID,
		m.ScheduledAt, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *postgresStore) UpdateMessage(ctx context.Context, m domain.Message, prev domain.MessageStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE messages SET status = $1, sent_at = $2, delivered_at = $3, read_at = $4,
		last_error = $5, wa_id = $6, updated_at = $7 WHERE id = $8 AND status = $9`,
		string(m.Status), m.Delivery.SentAt, m.Delivery.DeliveredAt, m.Delivery.ReadAt,
		m.Delivery.LastError, m.WaID, m.UpdatedAt, m.ID, string(prev))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetMessage(ctx, m.ID); err != nil {
		return err
	}
	return fmt.Errorf("message %s not in status %s: %w", m.ID, prev, domain.ErrConflict)
}

func (s *postgresStore) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	m, err := scanPGMessage(s.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, domain.ErrNotFound)
	}
	return m, err
}

func (s *postgresStore) FindMessageByWaID(ctx context.Context, waID string) (domain.Message, error) {
	m, err := scanPGMessage(s.pool.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE wa_id = $1 AND wa_id <> '' LIMIT 1`, waID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("message with gateway id %s: %w", waID, domain.ErrNotFound)
	}
	return m, err
}

func (s *postgresStore) FindMessagesAwaitingStatus(ctx context.Context, limit int) ([]domain.Message, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+messageCols+` FROM messages
		WHERE status = 'sent' AND wa_id <> '' ORDER BY created_at, id LIMIT $1`, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		m, err := scanPGMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanPGMessage(r scanner) (domain.Message, error) {
	var (
		m            domain.Message
		kind, status string
	)
	err := r.Scan(&m.ID, &m.CustomerID, &m.CampaignID, &m.Phone, &m.Content, &m.Media, &kind, &status,
		&m.Delivery.SentAt, &m.Delivery.DeliveredAt, &m.Delivery.ReadAt, &m.Delivery.LastError, &m.WaID,
		&m.ScheduledAt, &m.CreatedAt, &m.UpdatedAt)
	m.Kind = domain.MessageKind(kind)
	m.Status = domain.MessageStatus(status)
	return m, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
