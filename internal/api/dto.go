package api

import (
	"fmt"

	"github.com/samcharles93/loraserve/internal/inference"
	"github.com/samcharles93/loraserve/internal/tokenizer"
)

const defaultMaxLength = 2048

func (r *ProcessRequest) validate() error {
	if r.Prompt == nil {
		return newInvalidRequest("prompt", "prompt is required")
	}
	if r.MaxNewTokens != nil && *r.MaxNewTokens < 1 {
		return newInvalidRequest("max_new_tokens", fmt.Sprintf("max_new_tokens must be at least 1, got %d", *r.MaxNewTokens))
	}
	return nil
}

func (r *ProcessRequest) options() inference.RequestOptions {
	return inference.RequestOptions{
		Prompt:       *r.Prompt,
		MaxNewTokens: r.MaxNewTokens,
		TopK:         r.TopK,
		Temperature:  r.Temperature,
		Seed:         r.Seed,
		EchoPrompt:   r.EchoPrompt,
	}
}

// NewProcessResponse maps an engine result onto the /process wire shape.
func NewProcessResponse(res *inference.Result) ProcessResponse {
	tokens := make([]Token, 0, len(res.Tokens))
	for _, t := range res.Tokens {
		tokens = append(tokens, Token{
			Text:       t.Text,
			Logprob:    t.Logprob,
			TopLogprob: map[string]float64{t.TopText: t.TopLogprob},
		})
	}
	return ProcessResponse{
		Text:        res.Text,
		Tokens:      tokens,
		Logprob:     res.Logprob,
		RequestTime: res.Stats.Duration.Seconds(),
	}
}

func (r *TokenizeRequest) validate() error {
	if r.Text == nil {
		return newInvalidRequest("text", "text is required")
	}
	return nil
}

func (r *TokenizeRequest) options() tokenizer.EncodeOptions {
	opts := tokenizer.EncodeOptions{
		AddSpecial: true,
		Truncation: true,
		MaxLength:  defaultMaxLength,
	}
	if r.Truncation != nil {
		opts.Truncation = *r.Truncation
	}
	if r.MaxLength != nil {
		opts.MaxLength = *r.MaxLength
	}
	return opts
}

func (r *DecodeRequest) validate() error {
	if r.Tokens == nil {
		return newInvalidRequest("tokens", "tokens is required")
	}
	return nil
}
