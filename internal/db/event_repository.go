package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrEventNotFound = errors.New("event not found")
	ErrDuplicateSlug = errors.New("slug already used by an open event in this domain")
)

const eventColumns = `id, domain_id, admin_id, name, fan_url, host_url, celebrity_url, status,
	archive_event, uncomposed, producer_host, session_id, stage_session_id, archive_id, archive_url,
	rtmp_url, redirect_url, start_image, end_image, date_time_start, date_time_end,
	show_started_at, show_ended_at, created_at, updated_at`

// EventRepository handles event database operations.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// CreateEventParams contains parameters for creating an event.
type CreateEventParams struct {
	ID             string
	DomainID       string
	AdminID        string
	Name           string
	FanURL         string
	HostURL        string
	CelebrityURL   string
	ArchiveEvent   bool
	Uncomposed     bool
	ProducerHost   bool
	SessionID      string
	StageSessionID string
	RTMPURL        string
	RedirectURL    string
	StartImage     *Image
	EndImage       *Image
	DateTimeStart  *time.Time
	DateTimeEnd    *time.Time
}

// Create inserts a new event in the notStarted status.
func (r *EventRepository) Create(ctx context.Context, params CreateEventParams) (*Event, error) {
	startImage, err := marshalImage(params.StartImage)
	if err != nil {
		return nil, err
	}
	endImage, err := marshalImage(params.EndImage)
	if err != nil {
		return nil, err
	}

	row := r.db.pool.QueryRow(ctx, `
		INSERT INTO events (id, domain_id, admin_id, name, fan_url, host_url, celebrity_url, status,
			archive_event, uncomposed, producer_host, session_id, stage_session_id, rtmp_url, redirect_url,
			start_image, end_image, date_time_start, date_time_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING `+eventColumns,
		params.ID, params.DomainID, params.AdminID, params.Name, params.FanURL, params.HostURL,
		params.CelebrityURL, StatusNotStarted, params.ArchiveEvent, params.Uncomposed, params.ProducerHost,
		params.SessionID, params.StageSessionID, params.RTMPURL, params.RedirectURL,
		startImage, endImage, params.DateTimeStart, params.DateTimeEnd,
	)

	event, err := scanEvent(row)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateSlug
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

// GetByID retrieves an event by ID.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*Event, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("query event: %w", err)
	}
	return event, nil
}

// GetBySessionID retrieves the event owning the given backstage or stage session.
func (r *EventRepository) GetBySessionID(ctx context.Context, sessionID string) (*Event, error) {
	row := r.db.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE session_id = $1 OR stage_session_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, sessionID)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("query event by session: %w", err)
	}
	return event, nil
}

// ListBySlug returns every event whose slug field equals slug, across all
// domains, in creation order.
func (r *EventRepository) ListBySlug(ctx context.Context, field SlugField, slug string) ([]*Event, error) {
	if !field.Valid() {
		return nil, fmt.Errorf("invalid slug field %q", field)
	}
	// field is one of three fixed column names, checked above.
	return r.query(ctx, "list events by slug",
		`SELECT `+eventColumns+` FROM events WHERE `+string(field)+` = $1 ORDER BY seq`, slug)
}

// ListByDomain returns all events of a domain in creation order.
func (r *EventRepository) ListByDomain(ctx context.Context, domainID string) ([]*Event, error) {
	return r.query(ctx, "list events by domain",
		`SELECT `+eventColumns+` FROM events WHERE domain_id = $1 ORDER BY seq`, domainID)
}

// ListByAdmin returns all events owned by an admin in creation order.
func (r *EventRepository) ListByAdmin(ctx context.Context, adminID string) ([]*Event, error) {
	return r.query(ctx, "list events by admin",
		`SELECT `+eventColumns+` FROM events WHERE admin_id = $1 ORDER BY seq`, adminID)
}

// List returns every event in creation order.
func (r *EventRepository) List(ctx context.Context) ([]*Event, error) {
	return r.query(ctx, "list events", `SELECT `+eventColumns+` FROM events ORDER BY seq`)
}

// Update applies a partial update and returns the stored event.
func (r *EventRepository) Update(ctx context.Context, id string, patch EventPatch) (*Event, error) {
	if patch.IsEmpty() {
		return r.GetByID(ctx, id)
	}

	setClauses := []string{"updated_at = NOW()"}
	args := []interface{}{id}
	add := func(column string, value interface{}) {
		args = append(args, value)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.FanURL != nil {
		add("fan_url", *patch.FanURL)
	}
	if patch.HostURL != nil {
		add("host_url", *patch.HostURL)
	}
	if patch.CelebrityURL != nil {
		add("celebrity_url", *patch.CelebrityURL)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.ArchiveEvent != nil {
		add("archive_event", *patch.ArchiveEvent)
	}
	if patch.Uncomposed != nil {
		add("uncomposed", *patch.Uncomposed)
	}
	if patch.ProducerHost != nil {
		add("producer_host", *patch.ProducerHost)
	}
	if patch.ArchiveID != nil {
		add("archive_id", *patch.ArchiveID)
	}
	if patch.ArchiveURL != nil {
		add("archive_url", *patch.ArchiveURL)
	}
	if patch.RTMPURL != nil {
		add("rtmp_url", *patch.RTMPURL)
	}
	if patch.RedirectURL != nil {
		add("redirect_url", *patch.RedirectURL)
	}
	if patch.StartImage != nil {
		img, err := marshalImage(patch.StartImage)
		if err != nil {
			return nil, err
		}
		add("start_image", img)
	}
	if patch.EndImage != nil {
		img, err := marshalImage(patch.EndImage)
		if err != nil {
			return nil, err
		}
		add("end_image", img)
	}
	if patch.DateTimeStart != nil {
		add("date_time_start", *patch.DateTimeStart)
	}
	if patch.DateTimeEnd != nil {
		add("date_time_end", *patch.DateTimeEnd)
	}
	if patch.ShowStartedAt != nil {
		add("show_started_at", *patch.ShowStartedAt)
	}
	if patch.ShowEndedAt != nil {
		add("show_ended_at", *patch.ShowEndedAt)
	}

	query := fmt.Sprintf(`
		UPDATE events
		SET %s
		WHERE id = $1
		RETURNING %s
	`, strings.Join(setClauses, ", "), eventColumns)

	event, err := scanEvent(r.db.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateSlug
		}
		return nil, fmt.Errorf("update event: %w", err)
	}
	return event, nil
}

// Delete removes an event.
func (r *EventRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// DeleteByAdmin removes every event owned by an admin and returns the
// deleted events so the caller can clean up their broadcast state.
func (r *EventRepository) DeleteByAdmin(ctx context.Context, adminID string) ([]*Event, error) {
	return r.query(ctx, "delete events by admin",
		`DELETE FROM events WHERE admin_id = $1 RETURNING `+eventColumns, adminID)
}

func (r *EventRepository) query(ctx context.Context, operation, sql string, args ...interface{}) ([]*Event, error) {
	rows, err := r.db.pool.Query(ctx, sql, args...)
	if err != nil {
		logQueryError(operation, err)
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.Row) (*Event, error) {
	var event Event
	var startImage, endImage []byte

	err := row.Scan(
		&event.ID,
		&event.DomainID,
		&event.AdminID,
		&event.Name,
		&event.FanURL,
		&event.HostURL,
		&event.CelebrityURL,
		&event.Status,
		&event.ArchiveEvent,
		&event.Uncomposed,
		&event.ProducerHost,
		&event.SessionID,
		&event.StageSessionID,
		&event.ArchiveID,
		&event.ArchiveURL,
		&event.RTMPURL,
		&event.RedirectURL,
		&startImage,
		&endImage,
		&event.DateTimeStart,
		&event.DateTimeEnd,
		&event.ShowStartedAt,
		&event.ShowEndedAt,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if event.StartImage, err = unmarshalImage(startImage); err != nil {
		return nil, err
	}
	if event.EndImage, err = unmarshalImage(endImage); err != nil {
		return nil, err
	}
	return &event, nil
}

func marshalImage(img *Image) ([]byte, error) {
	if img == nil {
		return nil, nil
	}
	data, err := json.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("marshal image: %w", err)
	}
	return data, nil
}

func unmarshalImage(data []byte) (*Image, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var img Image
	if err := json.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("unmarshal image: %w", err)
	}
	return &img, nil
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
