package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyText is returned by Speech when there is nothing to synthesize.
var ErrEmptyText = errors.New("text is required")

// ToolDefinition describes a function the model may elect to call.
// Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one function invocation returned by the model.  Arguments is
// the raw JSON argument object.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Client defines the completions required by the post-visit analyzer.
type Client interface {
	Summarize(ctx context.Context, instruction, content string) (string, error)
	InvokeTools(ctx context.Context, instruction, content string, tools []ToolDefinition) ([]ToolCall, error)
}

// Speaker synthesizes speech.
type Speaker interface {
	Speech(ctx context.Context, text string) ([]byte, error)
}

type Options struct {
	APIKey       string
	BaseURL      string
	ChatModel    string
	SummaryModel string
	TTSModel     string
	TTSVoice     string
	TTSSpeed     float64
}

// OpenAIClient calls the OpenAI API for tool calling, summaries and speech.
type OpenAIClient struct {
	client       *openai.Client
	chatModel    string
	summaryModel string
	ttsModel     string
	ttsVoice     string
	ttsSpeed     float64
}

// NewOpenAIClient constructs an OpenAI-backed client and falls back to
// sensible defaults for unset models.
func NewOpenAIClient(opts Options) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}

	chatModel := opts.ChatModel
	if chatModel == "" {
		chatModel = openai.GPT4o
	}
	summaryModel := opts.SummaryModel
	if summaryModel == "" {
		summaryModel = chatModel
	}
	ttsModel := opts.TTSModel
	if ttsModel == "" {
		ttsModel = string(openai.TTSModel1)
	}
	voice := opts.TTSVoice
	if voice == "" {
		voice = string(openai.VoiceEcho)
	}
	speed := opts.TTSSpeed
	if speed == 0 {
		speed = 1.0
	}

	return &OpenAIClient{
		client:       openai.NewClientWithConfig(cfg),
		chatModel:    chatModel,
		summaryModel: summaryModel,
		ttsModel:     ttsModel,
		ttsVoice:     voice,
		ttsSpeed:     speed,
	}
}

func (c *OpenAIClient) complete(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionMessage, error) {
	if c.client == nil {
		return nil, errors.New("openai client not initialized")
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return &openai.ChatCompletionMessage{}, nil
	}
	return &resp.Choices[0].Message, nil
}

// Summarize sends the instruction as system prompt and content as the user
// turn and returns the reply text.
func (c *OpenAIClient) Summarize(ctx context.Context, instruction, content string) (string, error) {
	msg, err := c.complete(ctx, openai.ChatCompletionRequest{
		Model: c.summaryModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instruction},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

// InvokeTools offers tools to the chat model and returns the calls it made,
// which may be none.
func (c *OpenAIClient) InvokeTools(ctx context.Context, instruction, content string, tools []ToolDefinition) ([]ToolCall, error) {
	oaTools := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		oaTools = append(oaTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	msg, err := c.complete(ctx, openai.ChatCompletionRequest{
		Model: c.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instruction},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		Tools:       oaTools,
		ToolChoice:  "auto",
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}
	calls := make([]ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return calls, nil
}

// Speech returns mp3 audio for text.
func (c *OpenAIClient) Speech(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	resp, err := c.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.ttsModel),
		Input:          text,
		Voice:          openai.SpeechVoice(c.ttsVoice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          c.ttsSpeed,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Close()
	return io.ReadAll(resp)
}
