package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"companionchat/internal/config"
	"companionchat/internal/models"
)

// Responder produces a character's reply for a bounded conversation context.
type Responder interface {
	Respond(ctx context.Context, req *models.ResponderRequest) (*models.ResponderResponse, error)
}

// chatModelFactory is swapped in tests.
var chatModelFactory = newChatModel

type aiService struct {
	provider string
	provCfg  config.ProviderConfig

	mu     sync.Mutex
	models map[string]model.BaseChatModel
}

// NewAiService builds a responder backed by one configured provider. Chat
// models are created lazily per model name.
func NewAiService(provider string, cfg *config.Config) (*aiService, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if provCfg.Model == "" {
		provCfg.Model = cfg.Entitlement.DefaultModel
	}
	return &aiService{
		provider: provider,
		provCfg:  provCfg,
		models:   make(map[string]model.BaseChatModel),
	}, nil
}

func newChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig, modelName string) (model.BaseChatModel, error) {
	switch provider {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		return gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: 1024,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
}

func (s *aiService) chatModel(ctx context.Context, modelName string) (model.BaseChatModel, error) {
	if modelName == "" {
		modelName = s.provCfg.Model
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cm, ok := s.models[modelName]; ok {
		return cm, nil
	}
	cm, err := chatModelFactory(ctx, s.provider, s.provCfg, modelName)
	if err != nil {
		return nil, fmt.Errorf("init chat model %s: %w", modelName, err)
	}
	s.models[modelName] = cm
	return cm, nil
}

// Respond runs one non-streaming generation.
func (s *aiService) Respond(ctx context.Context, req *models.ResponderRequest) (*models.ResponderResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("responder request has no messages")
	}
	cm, err := s.chatModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	out, err := cm.Generate(ctx, ConvertMessages(req.Messages))
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}
	resp := &models.ResponderResponse{}
	if out != nil && strings.TrimSpace(out.Content) != "" {
		var choice models.ResponderChoice
		choice.Message.Content = out.Content
		resp.Choices = append(resp.Choices, choice)
	} else {
		log.Warn().Str("character_id", req.CharacterID).Str("model", req.Model).Msg("responder returned no content")
	}
	return resp, nil
}

// ConvertMessages maps role-tagged turns onto eino messages; a turn carrying
// parts becomes a multi-part user input.
func ConvertMessages(in []models.ResponderMessage) []*schema.Message {
	messages := make([]*schema.Message, 0, len(in))
	for _, msg := range in {
		var role schema.RoleType
		switch msg.Role {
		case "assistant":
			role = schema.Assistant
		case "system":
			role = schema.System
		default:
			role = schema.User
		}
		m := &schema.Message{Role: role, Content: msg.Content}
		for _, part := range msg.Parts {
			switch part.Type {
			case "text":
				m.MultiContent = append(m.MultiContent, schema.ChatMessagePart{
					Type: schema.ChatMessagePartTypeText,
					Text: part.Text,
				})
			case "image_url":
				m.MultiContent = append(m.MultiContent, schema.ChatMessagePart{
					Type:     schema.ChatMessagePartTypeImageURL,
					ImageURL: &schema.ChatMessageImageURL{URL: part.URL, MIMEType: part.MimeType},
				})
			case "audio_url":
				m.MultiContent = append(m.MultiContent, schema.ChatMessagePart{
					Type:     schema.ChatMessagePartTypeAudioURL,
					AudioURL: &schema.ChatMessageAudioURL{URL: part.URL, MIMEType: part.MimeType},
				})
			}
		}
		if len(m.MultiContent) > 0 {
			m.Content = ""
		}
		messages = append(messages, m)
	}
	return messages
}
