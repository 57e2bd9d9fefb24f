package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/loraserve/internal/tokenizer"
)

var (
	// ErrInvalidRequest marks errors caused by request content rather than
	// by the engine.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPromptTooLong is returned when the encoded prompt does not leave
	// room for a single generated token.
	ErrPromptTooLong = fmt.Errorf("%w: prompt exceeds the context window", ErrInvalidRequest)
	// ErrEmptyPrompt is returned when the prompt encodes to no tokens.
	ErrEmptyPrompt = fmt.Errorf("%w: prompt is empty", ErrInvalidRequest)
	ErrClosed      = errors.New("engine is closed")
)

// Engine is the request-facing surface of a loaded model and adapter.
type Engine interface {
	Process(ctx context.Context, req *Request) (*Result, error)
	Tokenize(ctx context.Context, text string, opts tokenizer.EncodeOptions) ([]int, error)
	Decode(ctx context.Context, ids []int, skipSpecial bool) (string, error)
	Info() Info
	Close() error
}

type Request struct {
	Prompt       string
	MaxNewTokens int
	TopK         int
	Temperature  float64
	Seed         int64
	EchoPrompt   bool
}

// Token is one generated, non-special token.
type Token struct {
	// Text is the raw vocabulary piece, such as "▁Hello".
	Text    string
	Logprob float64
	// TopText is the decoded arg-max token of the same step.
	TopText    string
	TopLogprob float64
}

type Result struct {
	Text   string
	Tokens []Token
	// Logprob sums every generated step, special tokens included.
	Logprob float64
	Stats   Stats
}

type StopReason string

const (
	StopEOS     StopReason = "eos"
	StopLength  StopReason = "length"
	StopContext StopReason = "context"
)

type Stats struct {
	PromptTokens    int
	TokensGenerated int
	Duration        time.Duration
	TPS             float64
	StopReason      StopReason
}

// Info describes what an engine has loaded.
type Info struct {
	ModelDir      string
	AdapterDir    string
	BaseModel     string
	Arch          string
	Tokenizer     string
	ContextLength int
	VocabSize     int
	Params        int64
	AdapterParams int64
	AdapterPairs  int
}
