package inference

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/loraserve/internal/logits"
	"github.com/samcharles93/loraserve/internal/model"
)

// Generator runs the decoding loop for one request.
type Generator struct {
	Model      model.Model
	Sampler    *logits.Sampler
	StopTokens []int
}

// RunWithContext resets the model, prefills prompt and samples up to steps
// tokens. It returns one Choice per sampled token; a stop token ends the
// loop after it has been recorded.
func (g *Generator) RunWithContext(ctx context.Context, prompt []int, steps int) ([]logits.Choice, Stats, error) {
	stats := Stats{PromptTokens: len(prompt)}
	start := time.Now()

	if len(prompt) == 0 {
		return nil, stats, ErrEmptyPrompt
	}
	if n := g.Model.ContextLength(); len(prompt) >= n {
		return nil, stats, fmt.Errorf("%w: %d prompt tokens, context holds %d", ErrPromptTooLong, len(prompt), n)
	}
	if steps < 1 {
		return nil, stats, fmt.Errorf("%w: max_new_tokens must be at least 1", ErrInvalidRequest)
	}

	if err := safeReset(g.Model); err != nil {
		return nil, stats, err
	}

	var logitsVec []float32
	var err error
	for _, id := range prompt {
		logitsVec, err = safeForward(g.Model, id)
		if err != nil {
			return nil, stats, fmt.Errorf("prefill: %w", err)
		}
	}

	choices := make([]logits.Choice, 0, steps)
	stats.StopReason = StopLength
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return choices, stats, err
		}
		choice, err := safeSample(g.Sampler, logitsVec)
		if err != nil {
			return choices, stats, err
		}
		choices = append(choices, choice)
		stats.TokensGenerated++

		if slices.Contains(g.StopTokens, choice.ID) {
			stats.StopReason = StopEOS
			break
		}
		if i == steps-1 {
			break
		}
		if g.Model.Position() >= g.Model.ContextLength() {
			stats.StopReason = StopContext
			break
		}

		logitsVec, err = safeForward(g.Model, choice.ID)
		if err != nil {
			return choices, stats, fmt.Errorf("generation step %d: %w", i, err)
		}
	}

	stats.Duration = time.Since(start)
	if stats.Duration.Seconds() > 0 {
		stats.TPS = float64(stats.TokensGenerated) / stats.Duration.Seconds()
	}
	return choices, stats, nil
}

func safeReset(m model.Model) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Reset: %v", rec)
		}
	}()
	m.Reset()
	return nil
}

func safeForward(m model.Model, id int) (out []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in ForwardToken: %v", rec)
		}
	}()
	return m.ForwardToken(id)
}

func safeSample(s *logits.Sampler, logitsVec []float32) (c logits.Choice, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Sample: %v", rec)
		}
	}()
	return s.Sample(logitsVec), nil
}
