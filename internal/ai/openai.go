package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/almacen/mayordomo/internal/fault"
)

// OpenAIConfig configures the OpenAI-compatible provider. BaseURL allows
// pointing at any compatible endpoint (Azure, local gateways, proxies).
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type OpenAIProvider struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fault.Validation("ai provider requires an API key")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		timeout: timeout,
	}, nil
}

func (p *OpenAIProvider) Ask(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: user,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: messages,
	})
	if err != nil {
		return "", fault.Wrap(fault.KindTransient, err, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", fault.Wrap(fault.KindTransient, fmt.Errorf("empty choice list"), "chat completion")
	}
	return resp.Choices[0].Message.Content, nil
}

var shellPlanSchema = MustCompileSchema("shell-plan.json", `{
	"type": "object",
	"required": ["command", "explanation", "dangerous"],
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"explanation": {"type": "string"},
		"dangerous": {"type": "boolean"}
	},
	"additionalProperties": false
}`)

const shellPlanSystem = `Eres un asistente que traduce instrucciones a un unico comando de shell POSIX.
Responde SOLO con JSON: {"command": "...", "explanation": "...", "dangerous": true|false}.
Marca dangerous=true si el comando borra datos, cambia permisos, toca la red o reinicia servicios.`

func (p *OpenAIProvider) PlanShellAction(ctx context.Context, instruction string) (*ShellPlan, error) {
	raw, err := p.Ask(ctx, shellPlanSystem, instruction)
	if err != nil {
		return nil, err
	}
	var plan ShellPlan
	if err := DecodeStrict(shellPlanSchema, raw, &plan); err != nil {
		return nil, fault.Wrap(fault.KindPermanent, err, "shell plan")
	}
	return &plan, nil
}

var sequenceSchema = MustCompileSchema("sequence.json", `{
	"type": "object",
	"required": ["parts"],
	"properties": {
		"parts": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		}
	},
	"additionalProperties": false
}`)

const sequenceSystem = `Divide el mensaje del usuario en intenciones independientes, en orden.
Un mensaje de una sola intencion devuelve un unico elemento con el texto original.
Responde SOLO con JSON: {"parts": ["...", "..."]}.`

func (p *OpenAIProvider) ClassifySequence(ctx context.Context, text string, maxParts int) ([]string, error) {
	if maxParts <= 0 {
		maxParts = 3
	}
	raw, err := p.Ask(ctx, sequenceSystem, text)
	if err != nil {
		return nil, err
	}
	var answer struct {
		Parts []string `json:"parts"`
	}
	if err := DecodeStrict(sequenceSchema, raw, &answer); err != nil {
		// A non-conforming answer degrades to single-intent.
		return []string{text}, nil
	}
	parts := make([]string, 0, len(answer.Parts))
	for _, part := range answer.Parts {
		part = strings.TrimSpace(part)
		if part != "" {
			parts = append(parts, part)
		}
		if len(parts) == maxParts {
			break
		}
	}
	if len(parts) == 0 {
		return []string{text}, nil
	}
	return parts, nil
}
