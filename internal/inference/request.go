package inference

import "math/rand/v2"

// RequestOptions holds per-request overrides. Nil fields fall back to
// GenDefaults.
type RequestOptions struct {
	Prompt string

	MaxNewTokens *int
	TopK         *int
	Temperature  *float64
	Seed         *int64
	EchoPrompt   *bool
}

type GenDefaults struct {
	MaxNewTokens int
	TopK         int
	Temperature  float64
}

// DefaultGenDefaults are the sampling defaults of the service.
func DefaultGenDefaults() GenDefaults {
	return GenDefaults{
		MaxNewTokens: 50,
		TopK:         200,
		Temperature:  0.8,
	}
}

// ResolveRequest applies defaults to opts. A nil seed draws a fresh random
// one.
func ResolveRequest(opts RequestOptions, defaults GenDefaults) Request {
	req := Request{
		Prompt:       opts.Prompt,
		MaxNewTokens: defaults.MaxNewTokens,
		TopK:         defaults.TopK,
		Temperature:  defaults.Temperature,
	}

	if opts.MaxNewTokens != nil {
		req.MaxNewTokens = *opts.MaxNewTokens
	}
	if opts.TopK != nil {
		req.TopK = *opts.TopK
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.Seed != nil {
		req.Seed = *opts.Seed
	} else {
		req.Seed = rand.Int64()
	}
	if opts.EchoPrompt != nil {
		req.EchoPrompt = *opts.EchoPrompt
	}

	return req
}
