package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"medical-translator/pkg"
)

var (
	// ErrUnknownTool is returned for a tool name no action is registered for.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when a tool call's arguments do not
	// match the tool's schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Action is a decoded tool call.  The concrete types below are the only
// implementations.
type Action interface {
	ToolName() string
}

// SetLanguageAction records both participants' languages.  Unsupported
// codes are replaced by pkg.LangOther and Coerced is set.
type SetLanguageAction struct {
	ClinicianLanguage pkg.LanguageCode
	PatientLanguage   pkg.LanguageCode
	Coerced           bool
}

// TranslationAction is one translated utterance.
type TranslationAction struct {
	IsClinician        bool
	OriginalText       string
	OriginalLanguage   pkg.LanguageCode
	TranslatedText     *string
	TranslatedLanguage *pkg.LanguageCode
}

type RepeatAudioAction struct{}

type LabOrderAction struct {
	PatientName string   `json:"patientName"`
	LabTests    []string `json:"labTests"`
	Notes       string   `json:"notes"`
}

type FollowupAction struct {
	Source string `json:"source"`
}

func (SetLanguageAction) ToolName() string { return ToolSetLanguage }
func (TranslationAction) ToolName() string { return ToolProcessMessageTranslation }
func (RepeatAudioAction) ToolName() string { return ToolRepeatAudio }
func (LabOrderAction) ToolName() string    { return ToolSendLabOrder }
func (FollowupAction) ToolName() string    { return ToolScheduleFollowup }

// NewMessage converts the utterance into a persistence request.
func (a TranslationAction) NewMessage(sessionID string) pkg.NewMessage {
	isClinician := a.IsClinician
	text := a.OriginalText
	lang := a.OriginalLanguage
	return pkg.NewMessage{
		SessionID:          sessionID,
		IsClinician:        &isClinician,
		OriginalText:       &text,
		OriginalLanguage:   &lang,
		TranslatedText:     a.TranslatedText,
		TranslatedLanguage: a.TranslatedLanguage,
	}
}

// DecodeToolCall validates arguments against the named tool and returns
// the typed action.
func DecodeToolCall(name, arguments string) (Action, error) {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	switch name {
	case ToolSetLanguage:
		return decodeSetLanguage(arguments)
	case ToolProcessMessageTranslation:
		return decodeTranslation(arguments)
	case ToolRepeatAudio:
		return RepeatAudioAction{}, nil
	case ToolSendLabOrder:
		var a LabOrderAction
		if err := json.Unmarshal([]byte(arguments), &a); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
		}
		if strings.TrimSpace(a.PatientName) == "" {
			return nil, fmt.Errorf("%w: %s: patientName is required", ErrInvalidArguments, name)
		}
		if a.LabTests == nil {
			a.LabTests = []string{}
		}
		return a, nil
	case ToolScheduleFollowup:
		var a FollowupAction
		if err := json.Unmarshal([]byte(arguments), &a); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
		}
		if strings.TrimSpace(a.Source) == "" {
			return nil, fmt.Errorf("%w: %s: source is required", ErrInvalidArguments, name)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
}

func decodeSetLanguage(arguments string) (Action, error) {
	var args struct {
		ClinicianLanguage *string `json:"clinicianLanguage"`
		PatientLanguage   *string `json:"patientLanguage"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, ToolSetLanguage, err)
	}
	if args.ClinicianLanguage == nil || args.PatientLanguage == nil {
		return nil, fmt.Errorf("%w: %s: clinicianLanguage and patientLanguage are required", ErrInvalidArguments, ToolSetLanguage)
	}
	a := SetLanguageAction{
		ClinicianLanguage: pkg.CoerceLanguage(*args.ClinicianLanguage),
		PatientLanguage:   pkg.CoerceLanguage(*args.PatientLanguage),
	}
	a.Coerced = string(a.ClinicianLanguage) != *args.ClinicianLanguage ||
		string(a.PatientLanguage) != *args.PatientLanguage
	return a, nil
}

func decodeTranslation(arguments string) (Action, error) {
	var args struct {
		IsClinician        *bool   `json:"isClinician"`
		OriginalText       *string `json:"originalText"`
		OriginalLanguage   *string `json:"originalLanguage"`
		TranslatedText     *string `json:"translatedText"`
		TranslatedLanguage *string `json:"translatedLanguage"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, ToolProcessMessageTranslation, err)
	}
	var missing []string
	if args.IsClinician == nil {
		missing = append(missing, "isClinician")
	}
	if args.OriginalText == nil {
		missing = append(missing, "originalText")
	}
	if args.OriginalLanguage == nil {
		missing = append(missing, "originalLanguage")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s: missing %s", ErrInvalidArguments, ToolProcessMessageTranslation, strings.Join(missing, ", "))
	}
	a := TranslationAction{
		IsClinician:      *args.IsClinician,
		OriginalText:     *args.OriginalText,
		OriginalLanguage: pkg.CoerceLanguage(*args.OriginalLanguage),
		TranslatedText:   args.TranslatedText,
	}
	if args.TranslatedLanguage != nil {
		lang := pkg.CoerceLanguage(*args.TranslatedLanguage)
		a.TranslatedLanguage = &lang
	}
	return a, nil
}
