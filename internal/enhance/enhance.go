// Package enhance polishes guest wish messages with a chat model.
package enhance

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/invitation/backend/internal/config"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// MaxMessageLength bounds the characters accepted for enhancement.
const MaxMessageLength = 1000

const (
	opEnhance = "enhance.wish"

	systemPrompt = "You help guests of a baby's welcoming ceremony polish the wishes they leave for the baby and the family. " +
		"Rewrite the guest's message so it reads warm, sincere and natural. " +
		"Keep the original language, meaning and personal details. " +
		"Do not invent facts. Reply with the rewritten message only."
)

// Result is the enhancement outcome returned to clients.
type Result struct {
	Original   string `json:"original"`
	Enhanced   string `json:"enhanced"`
	TokensUsed int    `json:"tokensUsed"`
}

// Config describes the collaborators of Service. A nil Model disables enhancement.
type Config struct {
	Model  model.BaseChatModel
	Logger *zap.Logger
}

// Service runs the prompt-and-model chain.
type Service struct {
	chain  compose.Runnable[map[string]any, *schema.Message]
	logger *zap.Logger
}

// NewArkModel builds the ark chat model described by cfg.
func NewArkModel(ctx context.Context, cfg config.AIConfig) (model.ChatModel, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("ai api key and model are required")
	}
	var maxTokens *int
	if cfg.MaxTokens > 0 {
		value := cfg.MaxTokens
		maxTokens = &value
	}
	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:   cfg.BaseURL,
		Region:    cfg.Region,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: maxTokens,
	})
}

// NewService compiles the enhancement chain around cfg.Model.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	service := &Service{logger: logger}
	if cfg.Model == nil {
		return service, nil
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("{message}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(cfg.Model)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile enhance chain: %w", err)
	}
	service.chain = runnable
	return service, nil
}

// Configured reports whether a model is wired.
func (s *Service) Configured() bool {
	return s != nil && s.chain != nil
}

// Enhance rewrites message and reports the tokens the model consumed.
func (s *Service) Enhance(ctx context.Context, message string) (Result, error) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return Result{}, apperr.Validation(opEnhance+".missing_message", "message is required")
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return Result{}, apperr.Validation(opEnhance+".too_long", fmt.Sprintf("message must be at most %d characters", MaxMessageLength))
	}
	if !s.Configured() {
		return Result{}, apperr.Configuration(opEnhance+".not_configured", "AI enhancement is not configured", nil)
	}

	response, err := s.chain.Invoke(ctx, map[string]any{"message": trimmed})
	if err != nil {
		s.logger.Error("wish enhancement failed", zap.String("operation", opEnhance), zap.Error(err))
		return Result{}, apperr.Internal(opEnhance+".model_failed", "failed to enhance message", err)
	}

	enhanced := strings.TrimSpace(response.Content)
	if enhanced == "" {
		enhanced = trimmed
	}
	tokens := 0
	if response.ResponseMeta != nil && response.ResponseMeta.Usage != nil {
		tokens = response.ResponseMeta.Usage.TotalTokens
	}
	return Result{Original: trimmed, Enhanced: enhanced, TokensUsed: tokens}, nil
}
