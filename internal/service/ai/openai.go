package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIChatModel adapts go-openai to the eino chat model interface.
type OpenAIChatModel struct {
	client *openai.Client
	model  string
}

var _ model.ChatModel = (*OpenAIChatModel)(nil)

func NewOpenAIChatModel(apiKey, baseURL, modelName string) *OpenAIChatModel {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return NewOpenAIChatModelWithConfig(config, modelName)
}

func NewOpenAIChatModelWithConfig(config openai.ClientConfig, modelName string) *OpenAIChatModel {
	if modelName == "" {
		modelName = openai.GPT4oMini
	}
	return &OpenAIChatModel{client: openai.NewClientWithConfig(config), model: modelName}
}

func (m *OpenAIChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(input))
	for _, in := range input {
		msgs = append(msgs, toOpenAIMessage(in))
	}

	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{Model: m.model, Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: no choices in response")
	}

	choice := resp.Choices[0]
	out := schema.AssistantMessage(choice.Message.Content, nil)
	out.ResponseMeta = &schema.ResponseMeta{
		FinishReason: string(choice.FinishReason),
		Usage: &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return out, nil
}

// Stream 不做真正的增量输出，整段结果作为单个分片返回。
func (m *OpenAIChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *OpenAIChatModel) BindTools([]*schema.ToolInfo) error {
	return errors.New("openai chat model: tool calling is not supported")
}

func toOpenAIMessage(in *schema.Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{Role: string(in.Role)}
	if len(in.MultiContent) == 0 {
		out.Content = in.Content
		return out
	}

	for _, part := range in.MultiContent {
		switch part.Type {
		case schema.ChatMessagePartTypeText:
			out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: part.Text})
		case schema.ChatMessagePartTypeImageURL:
			if part.ImageURL == nil {
				continue
			}
			out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL.URL, Detail: openai.ImageURLDetailAuto},
			})
		}
	}
	return out
}
