package enhance

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/invitation/backend/internal/apperr"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type stubChatModel struct {
	reply    string
	tokens   int
	err      error
	received []*schema.Message
}

func (m *stubChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.received = input
	if m.err != nil {
		return nil, m.err
	}
	message := schema.AssistantMessage(m.reply, nil)
	message.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{TotalTokens: m.tokens}}
	return message, nil
}

func (m *stubChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	message, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{message}), nil
}

func TestEnhanceReturnsModelOutput(t *testing.T) {
	stub := &stubChatModel{reply: "  Wishing you a lifetime of joy!  ", tokens: 42}
	service, err := NewService(context.Background(), Config{Model: stub})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	result, err := service.Enhance(context.Background(), " congrats ")
	if err != nil {
		t.Fatalf("unexpected enhance error: %v", err)
	}
	if result.Original != "congrats" {
		t.Fatalf("unexpected original %q", result.Original)
	}
	if result.Enhanced != "Wishing you a lifetime of joy!" {
		t.Fatalf("unexpected enhanced %q", result.Enhanced)
	}
	if result.TokensUsed != 42 {
		t.Fatalf("unexpected tokens %d", result.TokensUsed)
	}
	if len(stub.received) != 2 || stub.received[1].Content != "congrats" {
		t.Fatalf("expected system and user messages, got %#v", stub.received)
	}
	if !strings.Contains(stub.received[0].Content, "baby") || strings.Contains(stub.received[0].Content, "wedding") {
		t.Fatalf("expected the system prompt to describe the baby ceremony, got %q", stub.received[0].Content)
	}
}

func TestEnhanceValidatesMessage(t *testing.T) {
	service, err := NewService(context.Background(), Config{Model: &stubChatModel{reply: "x"}})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := service.Enhance(context.Background(), "   "); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for empty message, got %v", err)
	}
	if _, err := service.Enhance(context.Background(), strings.Repeat("a", MaxMessageLength+1)); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for long message, got %v", err)
	}
	if _, err := service.Enhance(context.Background(), strings.Repeat("é", MaxMessageLength)); err != nil {
		t.Fatalf("expected multibyte message at the limit to pass, got %v", err)
	}
}

func TestEnhanceWithoutModelIsConfigurationError(t *testing.T) {
	service, err := NewService(context.Background(), Config{})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if service.Configured() {
		t.Fatalf("expected service without model to be unconfigured")
	}
	if _, err := service.Enhance(context.Background(), "hello"); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestEnhanceWrapsModelFailure(t *testing.T) {
	modelErr := errors.New("upstream unavailable")
	service, err := NewService(context.Background(), Config{Model: &stubChatModel{err: modelErr}})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	_, err = service.Enhance(context.Background(), "hello")
	if !apperr.Is(err, apperr.KindInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
}
