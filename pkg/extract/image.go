package extract

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/quiverhq/quiver/pkg/llm"
	"github.com/quiverhq/quiver/pkg/store"
)

// MaxImageBytes is the largest image accepted for vision description.
const MaxImageBytes = 10 << 20

const imageDescribePrompt = `Describe this image in detail. Include any visible text, ` +
	`charts, diagrams, or data. The file is named %q. Write the description as ` +
	`flowing prose suitable for search indexing.`

// VisionModel is the chat-model surface the image extractor needs.
type VisionModel interface {
	Generate(ctx context.Context, system string, messages []llm.Message, tools []llm.ToolDefinition, opts llm.GenerateOptions) (string, []llm.ToolCall, llm.Usage, error)
}

// ImageExtractor describes an image with a vision model, producing a single
// block.
type ImageExtractor struct {
	model VisionModel
}

// NewImageExtractor creates an image extractor.
func NewImageExtractor(model VisionModel) *ImageExtractor {
	return &ImageExtractor{model: model}
}

// Extract rejects oversized images, then asks the vision model for a
// description, retrying transient failures up to 3 attempts.
func (e *ImageExtractor) Extract(ctx context.Context, fileName, mimeType string, data []byte) ([]TextBlock, error) {
	if len(data) > MaxImageBytes {
		return nil, fmt.Errorf("image %q is %d bytes, over the %d byte limit", fileName, len(data), MaxImageBytes)
	}

	messages := []llm.Message{{
		Role:    "user",
		Content: fmt.Sprintf(imageDescribePrompt, fileName),
		Images: []llm.ImageData{{
			MediaType: mimeType,
			Base64:    base64.StdEncoding.EncodeToString(data),
		}},
	}}

	var description string
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		description, _, _, err = e.model.Generate(ctx, "", messages, nil, llm.GenerateOptions{MaxTokens: 1024})
		if err == nil {
			break
		}
		if attempt < 3 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("vision description failed: %w", err)
	}

	description = strings.TrimSpace(description)
	if description == "" {
		return nil, nil
	}
	return []TextBlock{{
		Text:     description,
		Location: store.Location{Kind: store.LocationImage},
	}}, nil
}
