package extract

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

func getEncoding() (*tiktoken.Tiktoken, error) {
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoding, encodingErr
}

// CountTokens estimates the model-token length of text.
func CountTokens(text string) (int, error) {
	enc, err := getEncoding()
	if err != nil {
		return 0, fmt.Errorf("failed to load token encoding: %w", err)
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// TruncateTokens cuts text to at most maxTokens model tokens. Used to bound
// the document excerpt passed to contextual chunk enrichment.
func TruncateTokens(text string, maxTokens int) (string, error) {
	enc, err := getEncoding()
	if err != nil {
		return "", fmt.Errorf("failed to load token encoding: %w", err)
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text, nil
	}
	return enc.Decode(tokens[:maxTokens]), nil
}
