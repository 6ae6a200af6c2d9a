package core

import (
	"medical-translator/internal/llm"
	"medical-translator/internal/realtime"
	"medical-translator/pkg"
)

// Tool names as the models see them.
const (
	ToolSetLanguage               = "setLanguage"
	ToolProcessMessageTranslation = "processMessageTranslation"
	ToolRepeatAudio               = "repeatAudio"
	ToolSendLabOrder              = "SendLabOrderTool"
	ToolScheduleFollowup          = "scheduleFollowupAppointment"
)

type ToolCategory string

const (
	CategoryAccessibility ToolCategory = "accessibility"
	CategoryMedicalAction ToolCategory = "medical_action"
)

// ToolMetadata drives prompt generation.
type ToolMetadata struct {
	Category        ToolCategory
	TriggerCriteria string
	ExampleTriggers []string
}

// ToolSchema is a function offered to a model.  Parameters is a JSON schema.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
	Metadata    *ToolMetadata
}

func (s ToolSchema) category() ToolCategory {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata.Category
}

// RealtimeTool converts the schema for the realtime session manifest.
func (s ToolSchema) RealtimeTool() realtime.Tool {
	return realtime.Tool{Type: "function", Name: s.Name, Description: s.Description, Parameters: s.Parameters}
}

// Definition converts the schema for a chat completion request.
func (s ToolSchema) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: s.Name, Description: s.Description, Parameters: s.Parameters}
}

func languageProperty(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
		"enum":        pkg.LanguageStrings(),
	}
}

var SetLanguageSchema = ToolSchema{
	Name:        ToolSetLanguage,
	Description: "Sets the language of the conversation for the clinician and patient",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"clinicianLanguage": languageProperty("The language code for the clinician (e.g., 'en', 'es', 'fr')"),
			"patientLanguage":   languageProperty("The language code for the patient (e.g., 'en', 'es', 'fr')"),
		},
		"required": []string{"clinicianLanguage", "patientLanguage"},
	},
}

var ProcessMessageTranslationSchema = ToolSchema{
	Name:        ToolProcessMessageTranslation,
	Description: "Processes a message translation and adds it to the conversation thread",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"isClinician": map[string]any{
				"type":        "boolean",
				"description": "Whether the message is from the clinician (true) or patient (false)",
			},
			"originalText": map[string]any{
				"type":        "string",
				"description": "The original content of the message",
			},
			"originalLanguage": languageProperty("The language code of the message"),
			"translatedText": map[string]any{
				"type":        "string",
				"description": "The translated content of the message",
			},
			"translatedLanguage": languageProperty("The language code of the translated message"),
		},
		"required": []string{"isClinician", "originalLanguage", "originalText"},
	},
}

var RepeatAudioSchema = ToolSchema{
	Name:        ToolRepeatAudio,
	Description: "Repeats the last audio message that was played to the user",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []string{},
	},
	Metadata: &ToolMetadata{
		Category:        CategoryAccessibility,
		TriggerCriteria: "Mark as TRUE if either the patient or clinician explicitly asks to repeat the last message or says they didn't hear something clearly.",
		ExampleTriggers: []string{
			"Repeat that please",
			"Can you say that again?",
			"I didn't hear that",
			"Please repeat what you just said",
			"Could you repeat that?",
			"Say that again",
		},
	},
}

var SendLabOrderSchema = ToolSchema{
	Name:        ToolSendLabOrder,
	Description: "Use this tool when a lab order needs to be sent for the patient",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"patientName": map[string]any{
				"type":        "string",
				"description": "The name of the patient for whom the lab order is being sent",
			},
			"labTests": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "List of lab tests to be ordered",
			},
			"notes": map[string]any{
				"type":        "string",
				"description": "Additional notes or instructions for the lab order",
			},
		},
		"required": []string{"patientName"},
	},
	Metadata: &ToolMetadata{
		Category:        CategoryMedicalAction,
		TriggerCriteria: "Mark as TRUE if the clinician states that a new lab order needs to be sent. Do not mark as TRUE if the conversation merely discusses lab results without explicitly mentioning that a new lab order is being sent.",
		ExampleTriggers: []string{
			"I'll send an order for blood work.",
			"I'll place a lab request for you.",
			"Let me order a test to check your levels.",
		},
	},
}

var ScheduleFollowupSchema = ToolSchema{
	Name:        ToolScheduleFollowup,
	Description: "Schedule a followup appointment",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"source": map[string]any{
				"type":        "string",
				"description": "Source of the appointment request",
			},
		},
		"required": []string{"source"},
	},
	Metadata: &ToolMetadata{
		Category:        CategoryMedicalAction,
		TriggerCriteria: "Mark as TRUE if either the patient or clinician explicitly states that a follow-up appointment is needed.",
		ExampleTriggers: []string{
			"Let's schedule a follow-up visit.",
			"We should check in again in a few weeks.",
			"I need to see you again next month.",
		},
	},
}

// RealtimeTools are offered to the realtime translator.
func RealtimeTools() []ToolSchema {
	return []ToolSchema{SetLanguageSchema, ProcessMessageTranslationSchema, RepeatAudioSchema}
}

// MedicalActionTools are offered to the post-visit analysis.
func MedicalActionTools() []ToolSchema {
	return toolsInCategory([]ToolSchema{SendLabOrderSchema, ScheduleFollowupSchema}, CategoryMedicalAction)
}

// RealtimeManifest is the tool list sent when minting a realtime credential.
func RealtimeManifest() []realtime.Tool {
	tools := RealtimeTools()
	out := make([]realtime.Tool, len(tools))
	for i, t := range tools {
		out[i] = t.RealtimeTool()
	}
	return out
}

func toolsInCategory(tools []ToolSchema, c ToolCategory) []ToolSchema {
	var out []ToolSchema
	for _, t := range tools {
		if t.category() == c {
			out = append(out, t)
		}
	}
	return out
}
