// Package mentor adapts an eino chat model to the mentor conversation: it
// streams replies for a session history and names new sessions.
package mentor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"mentorchat/internal/models"
)

const (
	DefaultSystemPrompt = "You are a patient programming mentor. Answer the learner's question clearly, " +
		"prefer short runnable examples, and ask a follow-up question when the request is ambiguous."

	titlePrompt = "You are a conversation title generator. " +
		"Based on the dialogue between the learner and the mentor, generate a concise title for the conversation. " +
		"Use at most six words. Output only the title; do not include any additional content."

	maxTitleRunes = 60
)

// Service streams mentor replies through a chat model.
type Service struct {
	chatModel    model.BaseChatModel
	systemPrompt string
	logger       *zap.Logger
}

// New wraps chatModel. An empty systemPrompt selects DefaultSystemPrompt.
func New(chatModel model.BaseChatModel, systemPrompt string, logger *zap.Logger) *Service {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{chatModel: chatModel, systemPrompt: systemPrompt, logger: logger}
}

// StreamReply sends history to the model and reports each non-empty delta to
// onDelta in arrival order. It returns the concatenated reply. An error from
// onDelta aborts the stream and is returned as is.
func (s *Service) StreamReply(ctx context.Context, history []*models.Message, onDelta func(string) error) (string, error) {
	if len(history) == 0 {
		return "", errors.New("history cannot be empty")
	}
	reader, err := s.chatModel.Stream(ctx, s.convertMessages(history))
	if err != nil {
		return "", fmt.Errorf("open model stream: %w", err)
	}
	defer reader.Close()

	var full strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("receive model chunk: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onDelta != nil {
			if err := onDelta(chunk.Content); err != nil {
				return full.String(), err
			}
		}
	}
	s.logger.Debug("reply streamed", zap.Int("history", len(history)), zap.Int("bytes", full.Len()))
	return full.String(), nil
}

// GenerateTitle asks the model for a short session title. It falls back to the
// placeholder title when the model answers with nothing usable.
func (s *Service) GenerateTitle(ctx context.Context, history []*models.Message) (string, error) {
	if len(history) == 0 {
		return models.DefaultSessionTitle, nil
	}
	var conversation strings.Builder
	for _, msg := range history {
		switch msg.Role {
		case models.RoleUser:
			fmt.Fprintf(&conversation, "Learner: %s\n", msg.Content)
		case models.RoleAssistant:
			fmt.Fprintf(&conversation, "Mentor: %s\n", msg.Content)
		}
	}
	resp, err := s.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(titlePrompt),
		schema.UserMessage("Please generate a clean title using following conversation messages:\n\n" + conversation.String()),
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	return cleanTitle(resp.Content), nil
}

func (s *Service) convertMessages(history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, schema.SystemMessage(s.systemPrompt))
	for _, msg := range history {
		if msg == nil {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: msg.Content})
	}
	return messages
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, "\"'`*# ")
	if title == "" {
		return models.DefaultSessionTitle
	}
	if runes := []rune(title); len(runes) > maxTitleRunes {
		title = strings.TrimSpace(string(runes[:maxTitleRunes]))
	}
	return title
}
