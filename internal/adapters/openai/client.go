package openai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/rs/zerolog"

	"github.com/madpin/jiraviz/internal/config"
	"github.com/madpin/jiraviz/internal/domain"
)

// Provider error taxonomy. The sorter's fallback logic and the availability
// probe distinguish "fix your key" from "try again later" via errors.Is.
var (
	ErrUnauthorized = errors.New("openai: unauthorized")
	ErrRateLimited  = errors.New("openai: rate limited")
	ErrNetwork      = errors.New("openai: network error")
)

type Client struct {
	key        string
	chatModel  string
	embedModel string
	dimensions int
	cli        openai.Client
	log        zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
	chatModel := cfg.OpenAIChatModel
	if strings.TrimSpace(chatModel) == "" { chatModel = "gpt-4.1-mini" }
	embedModel := cfg.OpenAIEmbedModel
	if strings.TrimSpace(embedModel) == "" { embedModel = "text-embedding-3-small" }
	cli := openai.NewClient(option.WithAPIKey(cfg.OpenAIKey), option.WithRequestTimeout(cfg.OpenAITimeout))
	return &Client{key: cfg.OpenAIKey, chatModel: chatModel, embedModel: embedModel, dimensions: cfg.EmbedDimensions, cli: cli, log: log}
}

// GenerateEmbeddings returns one vector per input text, in input order.
// The caller (batcher) is responsible for keeping the request under the
// provider token ceiling; errors are classified but never retried here.
func (c *Client) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 { return nil, nil }
	if strings.TrimSpace(c.key) == "" { return nil, fmt.Errorf("%w: missing key", ErrUnauthorized) }
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.embedModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if c.dimensions > 0 { params.Dimensions = openai.Int(int64(c.dimensions)) }
	resp, err := c.cli.Embeddings.New(ctx, params)
	if err != nil { return nil, classify(err) }
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: embeddings count mismatch: want %d got %d", len(texts), len(resp.Data))
	}
	// API order is not guaranteed; the index field is
	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float64, len(resp.Data))
	for i, d := range resp.Data { out[i] = d.Embedding }
	return out, nil
}

// SummarizeTicket asks the chat model for a short plain-text summary of a
// single ticket.
func (c *Client) SummarizeTicket(ctx context.Context, t domain.Ticket) (string, error) {
	if strings.TrimSpace(c.key) == "" { return "", fmt.Errorf("%w: missing key", ErrUnauthorized) }
	c.log.Info().Str("model", c.chatModel).Str("key", t.Key).Msg("openai SummarizeTicket call")
	user := t.Key + ": " + t.Summary
	if strings.TrimSpace(t.Description) != "" { user += "\n\n" + t.Description }
	if len(t.Labels) > 0 { user += "\nLabels: " + strings.Join(t.Labels, ", ") }
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.chatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You are an issue-tracker assistant. Summarize the ticket below in at most three short sentences, naming the concrete problem and any blocking detail. Plain text only."),
			openai.UserMessage(user),
		},
	}
	resp, err := c.cli.Chat.Completions.New(ctx, params)
	if err != nil { return "", classify(err) }
	if len(resp.Choices) == 0 { return "", errors.New("openai: no choices") }
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// classify folds provider errors into the taxonomy above; unknown API errors
// pass through unchanged.
func classify(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 401, 403:
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		case 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return err
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
