package core

import (
	"strconv"
	"sync"

	"medical-translator/pkg"
)

// ThreadMessage is a message in the live conversation.  LocalID identifies
// it until the database assigns an ID; Persisted flips once the row exists.
type ThreadMessage struct {
	LocalID   string `json:"localId"`
	Persisted bool   `json:"persisted"`
	pkg.Message
}

// ConversationState is a point-in-time copy of a Conversation.
type ConversationState struct {
	ClinicianLanguage pkg.LanguageCode  `json:"clinicianLanguage"`
	PatientLanguage   *pkg.LanguageCode `json:"patientLanguage"`
	Messages          []ThreadMessage   `json:"messages"`
	Active            bool              `json:"isSessionActive"`
}

// Conversation holds the in-memory state of one live session.
type Conversation struct {
	mu      sync.RWMutex
	state   ConversationState
	counter int
}

func NewConversation() *Conversation {
	c := &Conversation{}
	c.reset()
	return c
}

func (c *Conversation) reset() {
	c.state = ConversationState{ClinicianLanguage: pkg.LangEnglish, Messages: []ThreadMessage{}, Active: c.state.Active}
}

// SetLanguages overwrites both languages.  The last call wins.
func (c *Conversation) SetLanguages(clinician, patient pkg.LanguageCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ClinicianLanguage = clinician
	c.state.PatientLanguage = &patient
}

func (c *Conversation) SetClinicianLanguage(code pkg.LanguageCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ClinicianLanguage = code
}

func (c *Conversation) SetPatientLanguage(code pkg.LanguageCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.PatientLanguage = &code
}

// Languages returns the current selection; patient is nil until set.
func (c *Conversation) Languages() (clinician, patient *pkg.LanguageCode) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl := c.state.ClinicianLanguage
	clinician = &cl
	if c.state.PatientLanguage != nil {
		p := *c.state.PatientLanguage
		patient = &p
	}
	return clinician, patient
}

// AppendMessage adds m to the end of the thread and returns its local ID.
func (c *Conversation) AppendMessage(m pkg.Message) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	localID := "local-" + strconv.Itoa(c.counter)
	c.state.Messages = append(c.state.Messages, ThreadMessage{LocalID: localID, Message: m})
	return localID
}

// ConfirmPersisted replaces the optimistic copy with the stored row.  It
// reports false when the message is no longer in the thread.
func (c *Conversation) ConfirmPersisted(localID string, stored *pkg.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.state.Messages {
		if c.state.Messages[i].LocalID != localID {
			continue
		}
		if stored != nil {
			c.state.Messages[i].Message = *stored
		}
		c.state.Messages[i].Persisted = true
		return true
	}
	return false
}

// SetSessionActive toggles the active flag without touching the messages.
func (c *Conversation) SetSessionActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Active = active
}

// Clear drops every message and restores the default languages.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

func (c *Conversation) Snapshot() ConversationState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	s.Messages = append([]ThreadMessage(nil), c.state.Messages...)
	if s.Messages == nil {
		s.Messages = []ThreadMessage{}
	}
	if c.state.PatientLanguage != nil {
		p := *c.state.PatientLanguage
		s.PatientLanguage = &p
	}
	return s
}
