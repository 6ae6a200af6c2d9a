package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"medical-translator/pkg"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	// ErrValidation marks a request that is missing or carries invalid fields.
	ErrValidation = errors.New("validation failed")
	// ErrVisitNotFound is returned when no visit row exists for a session ID.
	ErrVisitNotFound = errors.New("visit not found")
	// ErrAlreadyAnalyzed is returned by SaveAnalysis when analyzed_at was
	// already set by an earlier write.
	ErrAlreadyAnalyzed = errors.New("visit already analyzed")
)

// foreign_key_violation
const pqForeignKeyViolation = "23503"

const visitColumns = `id, clinician_language, patient_language, summary, tool_calls,
       created_at, ended_at, analyzed_at, updated_at`

const messageColumns = `id, session_id, is_clinician, original_text, original_language,
       translated_text, translated_language, created_at`

// Repository is the persistence gateway for visits and messages.  A single
// postgres database holds both tables; rows are partitioned by session ID.
type Repository struct {
	DB     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB, logger *zap.Logger) *Repository {
	return &Repository{DB: db, logger: logger, now: time.Now}
}

// CreateVisit inserts a visit row holding only its timestamps.
func (r *Repository) CreateVisit(ctx context.Context, sessionID string) (*pkg.VisitTimestamps, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session ID is required", ErrValidation)
	}
	now := r.now().UTC()
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO visits (id, created_at, updated_at)
         VALUES ($1, $2, $3)`,
		sessionID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert visit: %w", err)
	}
	return &pkg.VisitTimestamps{CreatedAt: now, UpdatedAt: now}, nil
}

// CloseVisit records the final language selection and the end timestamp.  A
// missing row is not an error: the update is logged and dropped.
func (r *Repository) CloseVisit(ctx context.Context, sessionID string, clinician, patient *pkg.LanguageCode) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session ID is required", ErrValidation)
	}
	now := r.now().UTC()
	res, err := r.DB.ExecContext(ctx,
		`UPDATE visits
         SET clinician_language = $1, patient_language = $2, ended_at = $3, updated_at = $3
         WHERE id = $4`,
		nullLanguage(clinician), nullLanguage(patient), now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("close visit: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		r.logger.Warn("close visit matched no rows", zap.String("session_id", sessionID))
	}
	return nil
}

// GetVisit loads the full visit row.
func (r *Repository) GetVisit(ctx context.Context, sessionID string) (*pkg.Visit, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+visitColumns+`
         FROM visits
         WHERE id = $1`, sessionID)
	v, err := scanVisit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrVisitNotFound, sessionID)
		}
		return nil, fmt.Errorf("get visit: %w", err)
	}
	return v, nil
}

// GetAnalyzedAt returns the analysis timestamp, or nil if the visit has not
// been analyzed yet.
func (r *Repository) GetAnalyzedAt(ctx context.Context, sessionID string) (*time.Time, error) {
	var analyzedAt sql.NullTime
	err := r.DB.QueryRowContext(ctx,
		`SELECT analyzed_at FROM visits WHERE id = $1`, sessionID,
	).Scan(&analyzedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrVisitNotFound, sessionID)
		}
		return nil, fmt.Errorf("get analyzed_at: %w", err)
	}
	if !analyzedAt.Valid {
		return nil, nil
	}
	t := analyzedAt.Time
	return &t, nil
}

// SaveAnalysis writes summary, tool calls and analyzed_at in one statement.
// The update only applies while analyzed_at is still NULL, so a visit is
// analyzed at most once; a rejected write returns ErrAlreadyAnalyzed.
func (r *Repository) SaveAnalysis(ctx context.Context, sessionID, summary string, toolCalls []pkg.ToolCallRecord) (*pkg.Visit, error) {
	calls := sql.NullString{}
	if toolCalls != nil {
		b, err := json.Marshal(toolCalls)
		if err != nil {
			return nil, fmt.Errorf("encode tool calls: %w", err)
		}
		calls = sql.NullString{String: string(b), Valid: true}
	}
	now := r.now().UTC()
	row := r.DB.QueryRowContext(ctx,
		`UPDATE visits
         SET summary = $1, tool_calls = $2, analyzed_at = $3, updated_at = $3
         WHERE id = $4 AND analyzed_at IS NULL
         RETURNING `+visitColumns,
		summary, calls, now, sessionID,
	)
	v, err := scanVisit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyAnalyzed, sessionID)
		}
		return nil, fmt.Errorf("save analysis: %w", err)
	}
	return v, nil
}

// CreateMessage validates and stores a message, returning the persisted row.
// Inserting an ID that already exists returns the stored row unchanged.
func (r *Repository) CreateMessage(ctx context.Context, m pkg.NewMessage) (*pkg.Message, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	id := m.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: invalid message id %q", ErrValidation, id)
	}
	createdAt := r.now().UTC()
	if m.CreatedAt != nil && !m.CreatedAt.IsZero() {
		createdAt = m.CreatedAt.UTC()
	}
	translated := sql.NullString{}
	if m.TranslatedText != nil {
		translated = sql.NullString{String: *m.TranslatedText, Valid: true}
	}
	row := r.DB.QueryRowContext(ctx,
		`INSERT INTO messages (id, session_id, is_clinician, original_text, original_language,
                               translated_text, translated_language, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
         ON CONFLICT (id) DO NOTHING
         RETURNING `+messageColumns,
		id, m.SessionID, *m.IsClinician, *m.OriginalText, string(*m.OriginalLanguage),
		translated, nullLanguage(m.TranslatedLanguage), createdAt,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		// the row was stored by an earlier attempt
		return r.getMessage(ctx, id)
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return nil, fmt.Errorf("%w: %s", ErrVisitNotFound, m.SessionID)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (r *Repository) getMessage(ctx context.Context, id string) (*pkg.Message, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+messageColumns+`
         FROM messages
         WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	return msg, nil
}

// ListMessages returns every message of a visit in creation order.
func (r *Repository) ListMessages(ctx context.Context, sessionID string) ([]pkg.Message, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+messageColumns+`
         FROM messages
         WHERE session_id = $1
         ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	messages := []pkg.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVisit(s scanner) (*pkg.Visit, error) {
	var (
		v                  pkg.Visit
		clinician, patient sql.NullString
		summary            sql.NullString
		toolCalls          []byte
		endedAt, analyzed  sql.NullTime
	)
	if err := s.Scan(&v.ID, &clinician, &patient, &summary, &toolCalls,
		&v.CreatedAt, &endedAt, &analyzed, &v.UpdatedAt); err != nil {
		return nil, err
	}
	v.ClinicianLanguage = languagePtr(clinician)
	v.PatientLanguage = languagePtr(patient)
	if summary.Valid {
		text := summary.String
		v.Summary = &text
	}
	if len(toolCalls) > 0 {
		v.ToolCalls = json.RawMessage(toolCalls)
	}
	if endedAt.Valid {
		t := endedAt.Time
		v.EndedAt = &t
	}
	if analyzed.Valid {
		t := analyzed.Time
		v.AnalyzedAt = &t
	}
	return &v, nil
}

func scanMessage(s scanner) (*pkg.Message, error) {
	var (
		m                    pkg.Message
		originalLanguage     string
		translated, transLan sql.NullString
	)
	if err := s.Scan(&m.ID, &m.SessionID, &m.IsClinician, &m.OriginalText, &originalLanguage,
		&translated, &transLan, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.OriginalLanguage = pkg.LanguageCode(originalLanguage)
	if translated.Valid {
		t := translated.String
		m.TranslatedText = &t
	}
	m.TranslatedLanguage = languagePtr(transLan)
	return &m, nil
}

func nullLanguage(c *pkg.LanguageCode) sql.NullString {
	if c == nil || *c == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*c), Valid: true}
}

func languagePtr(s sql.NullString) *pkg.LanguageCode {
	if !s.Valid || s.String == "" {
		return nil
	}
	c := pkg.LanguageCode(s.String)
	return &c
}
