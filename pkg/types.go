package pkg

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Visit represents one clinician/patient conversation.  It is keyed by the
// session ID generated when the realtime session starts.  Languages are set
// when the visit is closed; summary, tool calls and AnalyzedAt are written
// together, at most once, by the post-visit analysis.
type Visit struct {
	ID                string          `json:"id"`
	ClinicianLanguage *LanguageCode   `json:"clinicianLanguage,omitempty"`
	PatientLanguage   *LanguageCode   `json:"patientLanguage,omitempty"`
	Summary           *string         `json:"summary,omitempty"`
	ToolCalls         json.RawMessage `json:"toolCalls,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	EndedAt           *time.Time      `json:"endedAt,omitempty"`
	AnalyzedAt        *time.Time      `json:"analyzedAt,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Analyzed reports whether the analysis fields have been written.
func (v *Visit) Analyzed() bool { return v != nil && v.AnalyzedAt != nil }

// VisitTimestamps is returned when a visit row is first inserted.
type VisitTimestamps struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is a single utterance within a visit.  Messages are immutable once
// persisted and are ordered by CreatedAt within their visit.
type Message struct {
	ID                 string        `json:"id"`
	SessionID          string        `json:"sessionId"`
	IsClinician        bool          `json:"isClinician"`
	OriginalText       string        `json:"originalText"`
	OriginalLanguage   LanguageCode  `json:"originalLanguage"`
	TranslatedText     *string       `json:"translatedText"`
	TranslatedLanguage *LanguageCode `json:"translatedLanguage"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// Speaker returns the transcript label for the message author.
func (m Message) Speaker() string {
	if m.IsClinician {
		return "Clinician"
	}
	return "Patient"
}

// NewMessage is the write model for a message.  Required fields are pointers
// so that an absent field can be told apart from a zero value.
type NewMessage struct {
	// ID is assigned once per utterance so that a retried write stores at
	// most one row.  It is generated on insert when empty.
	ID                 string        `json:"id,omitempty"`
	SessionID          string        `json:"sessionId"`
	IsClinician        *bool         `json:"isClinician"`
	OriginalText       *string       `json:"originalText"`
	OriginalLanguage   *LanguageCode `json:"originalLanguage"`
	TranslatedText     *string       `json:"translatedText,omitempty"`
	TranslatedLanguage *LanguageCode `json:"translatedLanguage,omitempty"`
	// CreatedAt pins the creation time, e.g. when a queued write is replayed.
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// Validate checks that the required fields are present and that every
// language code belongs to the supported set.
func (m NewMessage) Validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return errors.New("session ID is required")
	}
	var missing []string
	if m.OriginalText == nil {
		missing = append(missing, "originalText")
	}
	if m.OriginalLanguage == nil {
		missing = append(missing, "originalLanguage")
	}
	if m.IsClinician == nil {
		missing = append(missing, "isClinician")
	}
	if len(missing) > 0 {
		return errors.New("missing required fields: " + strings.Join(missing, ", "))
	}
	if !m.OriginalLanguage.Valid() {
		return errors.New("unsupported originalLanguage: " + string(*m.OriginalLanguage))
	}
	if m.TranslatedLanguage != nil && !m.TranslatedLanguage.Valid() {
		return errors.New("unsupported translatedLanguage: " + string(*m.TranslatedLanguage))
	}
	return nil
}

// ToolCallRecord is the serialized outcome of one action the analysis model
// elected to invoke.  The list of records is stored in visits.tool_calls.
type ToolCallRecord struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
}

// ConversationMetrics are the display metrics for the summary page.
type ConversationMetrics struct {
	TotalMessages              int    `json:"totalMessages"`
	ChatDuration               string `json:"chatDuration"`
	AverageTimeBetweenMessages string `json:"averageTimeBetweenMessages"`
}

// CloseVisitRequest is the body of PATCH /visits.
type CloseVisitRequest struct {
	SessionID         string        `json:"sessionId"`
	ClinicianLanguage *LanguageCode `json:"clinicianLanguage"`
	PatientLanguage   *LanguageCode `json:"patientLanguage"`
}

// CreateVisitRequest is the body of POST /visits.
type CreateVisitRequest struct {
	SessionID string `json:"sessionId"`
}

// SpeechRequest is the body of POST /tts.
type SpeechRequest struct {
	Text string `json:"text"`
}

// ErrorResponse is the JSON body written for every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
