package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
)

// ImageGenerator renders a text prompt into PNG bytes. The adapter owns
// base64 decoding and format normalization; retries belong to the caller.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, rolePrompt string) ([]byte, error)
}

type openaiImageGenerator struct {
	log    *logger.Logger
	client *providerClient
	model  string
	size   string
}

func NewOpenAIImageGenerator(log *logger.Logger) (ImageGenerator, error) {
	client, err := newProviderClient(log)
	if err != nil {
		return nil, err
	}
	model := os.Getenv("OPENAI_IMAGE_MODEL")
	if model == "" {
		model = "gpt-image-1"
	}
	size := os.Getenv("OPENAI_IMAGE_SIZE")
	if size == "" {
		size = "1024x1024"
	}
	return &openaiImageGenerator{
		log:    log.With("service", "ImageGenerator"),
		client: client,
		model:  model,
		size:   size,
	}, nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func (g *openaiImageGenerator) Generate(ctx context.Context, prompt, rolePrompt string) ([]byte, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, apperr.GeneratorBadOutput(fmt.Errorf("empty image prompt"))
	}
	full := prompt
	if rolePrompt != "" {
		full = rolePrompt + "\n\n" + prompt
	}

	req := imageRequest{
		Model:          g.model,
		Prompt:         full,
		N:              1,
		Size:           g.size,
		ResponseFormat: "b64_json",
	}
	var resp imageResponse
	if err := g.client.doJSON(ctx, "POST", "/v1/images/generations", req, &resp); err != nil {
		return nil, classifyProviderErr(fmt.Errorf("image generation call: %w", err))
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, apperr.GeneratorBadOutput(fmt.Errorf("provider returned no image data"))
	}

	raw, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, apperr.GeneratorBadOutput(fmt.Errorf("image payload is not valid base64: %w", err))
	}
	return NormalizePNG(raw)
}

// NormalizePNG validates that bytes are a non-empty raster image and
// re-encodes to PNG when the provider answered in another format.
func NormalizePNG(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, apperr.GeneratorBadOutput(fmt.Errorf("empty image bytes"))
	}
	if bytes.HasPrefix(raw, pngMagic) {
		return raw, nil
	}
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.GeneratorBadOutput(fmt.Errorf("undecodable image bytes: %w", err))
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, apperr.GeneratorBadOutput(fmt.Errorf("png re-encode failed: %w", err))
	}
	return buf.Bytes(), nil
}
