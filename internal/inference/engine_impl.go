package inference

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/samcharles93/loraserve/internal/logger"
	"github.com/samcharles93/loraserve/internal/logits"
	"github.com/samcharles93/loraserve/internal/model"
	"github.com/samcharles93/loraserve/internal/tokenizer"
)

// EngineImpl serves requests against one model. Generation is serialized;
// tokenization only reads the tokenizer and runs concurrently.
type EngineImpl struct {
	mu         sync.Mutex
	model      model.Model
	tokenizer  tokenizer.Tokenizer
	stopTokens []int
	info       Info
	closed     bool
}

// NewEngine wraps an already loaded model and tokenizer.
func NewEngine(m model.Model, tok tokenizer.Tokenizer, stopTokens []int, info Info) *EngineImpl {
	return &EngineImpl{
		model:      m,
		tokenizer:  tok,
		stopTokens: append([]int(nil), stopTokens...),
		info:       info,
	}
}

func (e *EngineImpl) Info() Info { return e.info }

func (e *EngineImpl) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.model = nil
	return nil
}

func (e *EngineImpl) Process(ctx context.Context, req *Request) (*Result, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids, err := safeEncode(e.tokenizer, req.Prompt, tokenizer.EncodeOptions{AddSpecial: true})
	if err != nil {
		return nil, fmt.Errorf("encode prompt: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gen := &Generator{
		Model: e.model,
		Sampler: logits.NewSampler(logits.SamplerConfig{
			Seed:        req.Seed,
			Temperature: float32(req.Temperature),
			TopK:        req.TopK,
		}),
		StopTokens: e.stopTokens,
	}

	start := time.Now()
	choices, stats, err := gen.RunWithContext(ctx, ids, req.MaxNewTokens)
	if err != nil {
		return nil, err
	}

	res, err := e.assemble(choices)
	if err != nil {
		return nil, err
	}
	if req.EchoPrompt {
		res.Text = req.Prompt + res.Text
	}
	stats.Duration = time.Since(start)
	res.Stats = stats

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	logger.FromContext(ctx).Info("inference complete",
		"seconds", fmt.Sprintf("%.02f", stats.Duration.Seconds()),
		"tokens", len(res.Tokens),
		"tokens_per_sec", fmt.Sprintf("%.02f", float64(len(res.Tokens))/max(stats.Duration.Seconds(), 1e-9)),
		"stop", stats.StopReason,
		"heap_gb", fmt.Sprintf("%.02f", float64(mem.HeapInuse)/1e9),
	)
	return res, nil
}

// assemble decodes the sampled ids and builds the per-token records.
// Special tokens are left out of Tokens and Text but count towards Logprob.
func (e *EngineImpl) assemble(choices []logits.Choice) (*Result, error) {
	res := &Result{Tokens: make([]Token, 0, len(choices))}
	ids := make([]int, 0, len(choices))
	topText := make(map[int]string)
	for _, c := range choices {
		ids = append(ids, c.ID)
		res.Logprob += float64(c.Logprob)
		if e.tokenizer.IsSpecial(c.ID) {
			continue
		}
		top, ok := topText[c.TopID]
		if !ok {
			var err error
			top, err = safeDecode(e.tokenizer, []int{c.TopID}, false)
			if err != nil {
				return nil, fmt.Errorf("decode top token: %w", err)
			}
			topText[c.TopID] = top
		}
		res.Tokens = append(res.Tokens, Token{
			Text:       e.tokenizer.TokenString(c.ID),
			Logprob:    float64(c.Logprob),
			TopText:    top,
			TopLogprob: float64(c.TopLogprob),
		})
	}

	text, err := safeDecode(e.tokenizer, ids, true)
	if err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	res.Text = text
	return res, nil
}

func (e *EngineImpl) Tokenize(ctx context.Context, text string, opts tokenizer.EncodeOptions) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts.AddSpecial = true
	return safeEncode(e.tokenizer, text, opts)
}

func (e *EngineImpl) Decode(ctx context.Context, ids []int, skipSpecial bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	vocab := e.tokenizer.VocabSize()
	for _, id := range ids {
		if id < 0 || id >= vocab {
			return "", fmt.Errorf("%w: token id %d out of range [0, %d)", ErrInvalidRequest, id, vocab)
		}
	}
	return safeDecode(e.tokenizer, ids, skipSpecial)
}

func safeEncode(tok tokenizer.Tokenizer, text string, opts tokenizer.EncodeOptions) (ids []int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Encode: %v", rec)
		}
	}()
	return tok.Encode(text, opts)
}

func safeDecode(tok tokenizer.Tokenizer, ids []int, skipSpecial bool) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Decode: %v", rec)
		}
	}()
	return tok.Decode(ids, skipSpecial)
}
