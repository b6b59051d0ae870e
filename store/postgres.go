package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/karthikraju391/hirechat/config"
	"github.com/karthikraju391/hirechat/models"
)

//go:embed schema.sql
var schema string

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects, pings and applies the schema.
func NewPostgres(ctx context.Context, cfg config.DBConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if poolCfg.MaxConnIdleTime == 0 {
		poolCfg.MaxConnIdleTime = 5 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	err := p.pool.QueryRow(ctx, `SELECT id, name, suspended FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.Suspended)
	if err != nil {
		return models.User{}, notFound(err)
	}
	return u, nil
}

func (p *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	var j models.Job
	err := p.pool.QueryRow(ctx,
		`SELECT id, title, client_id, budget, currency, location FROM jobs WHERE id = $1`, id).
		Scan(&j.ID, &j.Title, &j.ClientID, &j.Budget, &j.Currency, &j.Location)
	if err != nil {
		return models.Job{}, notFound(err)
	}
	return j, nil
}

const messageColumns = `id, conversation_key, sender_id, recipient_id, text, job_id, created_at, read, system, sender_name, recipient_name`

func (p *Postgres) SaveMessage(ctx context.Context, msg models.Message) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ConversationKey, msg.SenderID, msg.RecipientID, msg.Text, msg.JobID,
		msg.CreatedAt, msg.Read, msg.System, msg.SenderName, msg.RecipientName)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, key string, since time.Time) ([]models.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_key = $1 AND created_at > $2
		ORDER BY created_at ASC`, key, since)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return collectMessages(rows)
}

func (p *Postgres) ListUserMessages(ctx context.Context, userID string) ([]models.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying user messages: %w", err)
	}
	return collectMessages(rows)
}

func (p *Postgres) MarkRead(ctx context.Context, key, readerID, senderID string) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		UPDATE messages SET read = TRUE
		WHERE conversation_key = $1 AND recipient_id = $2 AND sender_id = $3 AND read = FALSE`,
		key, readerID, senderID)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationKey, &m.SenderID, &m.RecipientID, &m.Text, &m.JobID,
			&m.CreatedAt, &m.Read, &m.System, &m.SenderName, &m.RecipientName); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const applicationColumns = `id, job_id, worker_id, client_id, status, proposal_text, proposed_price, counter_price, final_price, currency, offer_id, created_at, updated_at`

func (p *Postgres) CreateApplication(ctx context.Context, app models.Application) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO applications (`+applicationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		app.ID, app.JobID, app.WorkerID, app.ClientID, string(app.Status), app.ProposalText,
		app.ProposedPrice, app.CounterPrice, app.FinalPrice, app.Currency, app.OfferID,
		app.CreatedAt, app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting application: %w", err)
	}
	return nil
}

func (p *Postgres) GetApplication(ctx context.Context, id string) (models.Application, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	return scanApplication(row)
}

func (p *Postgres) FindApplication(ctx context.Context, jobID, workerID string) (models.Application, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE job_id = $1 AND worker_id = $2`, jobID, workerID)
	return scanApplication(row)
}

func (p *Postgres) UpdateApplication(ctx context.Context, app models.Application) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE applications
		SET status = $2, proposal_text = $3, proposed_price = $4, counter_price = $5,
		    final_price = $6, currency = $7, updated_at = $8
		WHERE id = $1`,
		app.ID, string(app.Status), app.ProposalText, app.ProposedPrice, app.CounterPrice,
		app.FinalPrice, app.Currency, app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanApplication(row pgx.Row) (models.Application, error) {
	var (
		a      models.Application
		status string
	)
	err := row.Scan(&a.ID, &a.JobID, &a.WorkerID, &a.ClientID, &status, &a.ProposalText,
		&a.ProposedPrice, &a.CounterPrice, &a.FinalPrice, &a.Currency, &a.OfferID,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return models.Application{}, notFound(err)
	}
	a.Status = models.ApplicationStatus(status)
	return a, nil
}

const offerColumns = `id, job_id, client_id, target_worker_id, status, budget, currency, message, expires_at, created_at, updated_at`

func (p *Postgres) CreateOffer(ctx context.Context, o models.JobOffer) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO job_offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.JobID, o.ClientID, o.TargetWorkerID, string(o.Status), o.Budget, o.Currency,
		o.Message, o.ExpiresAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting offer: %w", err)
	}
	return nil
}

func (p *Postgres) GetOffer(ctx context.Context, id string) (models.JobOffer, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM job_offers WHERE id = $1`, id)
	return scanOffer(row)
}

func (p *Postgres) UpdateOffer(ctx context.Context, o models.JobOffer) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE job_offers SET status = $2, updated_at = $3 WHERE id = $1`,
		o.ID, string(o.Status), o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListOffers(ctx context.Context, jobID, workerID string) ([]models.JobOffer, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+offerColumns+` FROM job_offers
		WHERE job_id = $1 AND target_worker_id = $2
		ORDER BY created_at ASC`, jobID, workerID)
	if err != nil {
		return nil, fmt.Errorf("querying offers: %w", err)
	}
	defer rows.Close()
	var out []models.JobOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOffer(row pgx.Row) (models.JobOffer, error) {
	var (
		o      models.JobOffer
		status string
	)
	err := row.Scan(&o.ID, &o.JobID, &o.ClientID, &o.TargetWorkerID, &status, &o.Budget, &o.Currency,
		&o.Message, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return models.JobOffer{}, notFound(err)
	}
	o.Status = models.OfferStatus(status)
	return o, nil
}

func (p *Postgres) CreateNotification(ctx context.Context, n models.Notification) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, title, message, job_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, n.Title, n.Message, n.JobID, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func (p *Postgres) ListNotifications(ctx context.Context, userID string) ([]models.Notification, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, title, message, job_id, read, created_at FROM notifications
		WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.JobID, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkNotificationRead(ctx context.Context, id, userID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteNotification(ctx context.Context, id, userID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM notifications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
