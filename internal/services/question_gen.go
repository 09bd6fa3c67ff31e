package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
)

// GeneratedQuestion is one record of a generator's question set.
type GeneratedQuestion struct {
	Content      string   `json:"content"`
	Options      []string `json:"options"`
	Type         string   `json:"type"`
	Answer       string   `json:"answer"`
	VisualPrompt string   `json:"visual_prompt"`
}

// QuestionGenerator turns document bytes into a structured question set.
// Implementations are stateless; retries belong to the caller.
type QuestionGenerator interface {
	Generate(ctx context.Context, document []byte, rolePrompt string, numQuestions int) ([]GeneratedQuestion, error)
}

type openaiQuestionGenerator struct {
	log    *logger.Logger
	client *providerClient
	model  string
}

func NewOpenAIQuestionGenerator(log *logger.Logger) (QuestionGenerator, error) {
	client, err := newProviderClient(log)
	if err != nil {
		return nil, err
	}
	model := os.Getenv("OPENAI_TEXT_MODEL")
	if model == "" {
		model = "gpt-5.2"
	}
	return &openaiQuestionGenerator{
		log:    log.With("service", "QuestionGenerator"),
		client: client,
		model:  model,
	}, nil
}

type responsesRequest struct {
	Model string `json:"model"`
	Input []any  `json:"input"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
}

func (g *openaiQuestionGenerator) Generate(ctx context.Context, document []byte, rolePrompt string, numQuestions int) ([]GeneratedQuestion, error) {
	if len(document) == 0 {
		return nil, apperr.GeneratorBadOutput(fmt.Errorf("empty source document"))
	}
	if numQuestions <= 0 {
		return nil, apperr.Validation("numQuestions must be positive, got %d", numQuestions)
	}

	fileID, err := g.client.uploadFile(ctx, "source-material", "user_data", document)
	if err != nil {
		return nil, classifyProviderErr(fmt.Errorf("upload source document: %w", err))
	}
	// The provider-side file is transient; remove it whether or not
	// generation succeeds.
	defer func() {
		if delErr := g.client.deleteFile(context.WithoutCancel(ctx), fileID); delErr != nil {
			g.log.Warn("Failed to delete transient provider file", "file_id", fileID, "error", delErr)
		}
	}()

	instruction := fmt.Sprintf(
		`Read the attached course material and write exactly %d quiz questions. `+
			`Respond with JSON only, no prose, shaped as `+
			`{"questions":[{"content":"...","options":["..."],"type":"multiple_choice","answer":"...","visual_prompt":"..."}]}. `+
			`Use an empty options array for open questions and a short illustration description in visual_prompt.`,
		numQuestions,
	)

	req := responsesRequest{
		Model: g.model,
		Input: []any{
			map[string]any{"role": "system", "content": rolePrompt},
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "input_file", "file_id": fileID},
				map[string]any{"type": "input_text", "text": instruction},
			}},
		},
	}

	var resp responsesResponse
	if err := g.client.doJSON(ctx, "POST", "/v1/responses", req, &resp); err != nil {
		return nil, classifyProviderErr(fmt.Errorf("question generation call: %w", err))
	}
	if resp.Refusal != "" {
		return nil, apperr.GeneratorBadOutput(fmt.Errorf("model refused: %s", resp.Refusal))
	}

	var jsonText strings.Builder
	for _, item := range resp.Output {
		if item.Type == "message" && item.Role == "assistant" {
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					jsonText.WriteString(c.Text)
				}
			}
		}
	}
	if jsonText.Len() == 0 {
		return nil, apperr.GeneratorBadOutput(fmt.Errorf("no output_text found in response"))
	}

	return parseQuestionSet(jsonText.String())
}

func parseQuestionSet(raw string) ([]GeneratedQuestion, error) {
	cleaned := stripJSONFences(raw)
	var wrapper struct {
		Questions []GeneratedQuestion `json:"questions"`
	}
	if err := json.Unmarshal([]byte(cleaned), &wrapper); err != nil {
		// Some models emit the bare array.
		var bare []GeneratedQuestion
		if arrErr := json.Unmarshal([]byte(cleaned), &bare); arrErr != nil {
			return nil, apperr.GeneratorBadOutput(fmt.Errorf("unparseable question JSON: %w; text=%s", err, cleaned))
		}
		wrapper.Questions = bare
	}
	if len(wrapper.Questions) == 0 {
		return nil, apperr.GeneratorBadOutput(fmt.Errorf("generator returned zero questions"))
	}
	for i, q := range wrapper.Questions {
		if strings.TrimSpace(q.Content) == "" {
			return nil, apperr.GeneratorBadOutput(fmt.Errorf("question %d has empty content", i))
		}
	}
	return wrapper.Questions, nil
}

// classifyProviderErr folds transport-level failures into the generator error
// taxonomy: retryable transport/provider trouble is transient, anything the
// provider accepted but answered badly is bad output.
func classifyProviderErr(err error) error {
	if isRetryableErr(err) {
		return apperr.GeneratorTransient(err)
	}
	return apperr.GeneratorBadOutput(err)
}
