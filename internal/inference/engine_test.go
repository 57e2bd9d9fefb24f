package inference

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/samcharles93/loraserve/internal/logits"
	"github.com/samcharles93/loraserve/internal/tokenizer"
)

// scriptedModel emits logits that favour next[id] after id is forwarded.
type scriptedModel struct {
	vocab  int
	ctx    int
	next   map[int]int
	pos    int
	resets int
}

func (m *scriptedModel) ForwardToken(id int) ([]float32, error) {
	if m.pos >= m.ctx {
		return nil, errors.New("context full")
	}
	m.pos++
	out := make([]float32, m.vocab)
	out[m.next[id]] = 10
	return out, nil
}

func (m *scriptedModel) Reset()             { m.pos = 0; m.resets++ }
func (m *scriptedModel) Position() int      { return m.pos }
func (m *scriptedModel) ContextLength() int { return m.ctx }

type panicModel struct{ scriptedModel }

func (panicModel) ForwardToken(int) ([]float32, error) { panic("boom") }

type panicResetModel struct{ scriptedModel }

func (panicResetModel) Reset() { panic("reset boom") }

type errOnSecondModel struct {
	scriptedModel
	calls int
}

func (m *errOnSecondModel) ForwardToken(id int) ([]float32, error) {
	m.calls++
	if m.calls == 2 {
		return nil, errors.New("forced forward failure")
	}
	return m.scriptedModel.ForwardToken(id)
}

// fakeTokenizer treats ids 0-2 as <unk>, <s> and </s>.
type fakeTokenizer struct {
	pieces []string
	prompt []int
}

func (f fakeTokenizer) Encode(text string, opts tokenizer.EncodeOptions) ([]int, error) {
	ids := append([]int(nil), f.prompt...)
	if opts.AddSpecial {
		ids = append([]int{1}, ids...)
	}
	if opts.Truncation && opts.MaxLength > 0 && len(ids) > opts.MaxLength {
		ids = ids[:opts.MaxLength]
	}
	return ids, nil
}

func (f fakeTokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if skipSpecial && f.IsSpecial(id) {
			continue
		}
		sb.WriteString(strings.ReplaceAll(f.pieces[id], "▁", " "))
	}
	return strings.TrimPrefix(sb.String(), " "), nil
}

func (f fakeTokenizer) TokenString(id int) string { return f.pieces[id] }
func (f fakeTokenizer) IsSpecial(id int) bool     { return id >= 0 && id <= 2 }
func (f fakeTokenizer) BOSID() int                { return 1 }
func (f fakeTokenizer) EOSID() int                { return 2 }
func (f fakeTokenizer) VocabSize() int            { return len(f.pieces) }

var fakePieces = []string{"<unk>", "<s>", "</s>", "▁the", "▁cat", "▁sat", "▁on", "▁mat"}

func newScripted() *scriptedModel {
	return &scriptedModel{
		vocab: len(fakePieces),
		ctx:   16,
		// prompt "the cat" continues with "sat on mat" then EOS.
		next: map[int]int{1: 3, 3: 4, 4: 5, 5: 6, 6: 7, 7: 2},
	}
}

func newGreedySampler() *logits.Sampler {
	return logits.NewSampler(logits.SamplerConfig{Seed: 1})
}

func choiceIDs(choices []logits.Choice) []int {
	ids := make([]int, len(choices))
	for i, c := range choices {
		ids[i] = c.ID
	}
	return ids
}

func TestRunWithContextStopsAfterEOS(t *testing.T) {
	t.Parallel()

	m := newScripted()
	g := &Generator{Model: m, Sampler: newGreedySampler(), StopTokens: []int{2}}
	choices, stats, err := g.RunWithContext(context.Background(), []int{1, 3, 4}, 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	got := choiceIDs(choices)
	want := []int{5, 6, 7, 2}
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
	if stats.StopReason != StopEOS {
		t.Fatalf("stop = %s, want eos", stats.StopReason)
	}
	if stats.PromptTokens != 3 || stats.TokensGenerated != 4 {
		t.Fatalf("stats = %+v", stats)
	}
	if m.resets != 1 {
		t.Fatalf("resets = %d, want 1", m.resets)
	}
}

func TestRunWithContextHonoursMaxSteps(t *testing.T) {
	t.Parallel()

	m := newScripted()
	g := &Generator{Model: m, Sampler: newGreedySampler(), StopTokens: []int{2}}
	choices, stats, err := g.RunWithContext(context.Background(), []int{1, 3}, 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(choices) != 2 || stats.StopReason != StopLength {
		t.Fatalf("choices = %v, stop = %s", choiceIDs(choices), stats.StopReason)
	}
	// The last sampled token is never forwarded.
	if m.pos != 3 {
		t.Fatalf("position = %d, want 3", m.pos)
	}
}

func TestRunWithContextStopsWhenContextIsFull(t *testing.T) {
	t.Parallel()

	m := newScripted()
	m.ctx = 4
	m.next = map[int]int{1: 3, 3: 3}
	g := &Generator{Model: m, Sampler: newGreedySampler(), StopTokens: []int{2}}
	choices, stats, err := g.RunWithContext(context.Background(), []int{1, 3}, 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.StopReason != StopContext {
		t.Fatalf("stop = %s, want context", stats.StopReason)
	}
	if len(choices) != 3 {
		t.Fatalf("choices = %d, want 3", len(choices))
	}
}

func TestRunWithContextRejectsLongPrompt(t *testing.T) {
	t.Parallel()

	m := newScripted()
	m.ctx = 3
	g := &Generator{Model: m, Sampler: newGreedySampler()}
	_, _, err := g.RunWithContext(context.Background(), []int{1, 3, 4}, 1)
	if !errors.Is(err, ErrPromptTooLong) || !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrPromptTooLong", err)
	}
}

func TestRunWithContextRejectsBadInput(t *testing.T) {
	t.Parallel()

	g := &Generator{Model: newScripted(), Sampler: newGreedySampler()}
	if _, _, err := g.RunWithContext(context.Background(), nil, 1); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("empty prompt err = %v", err)
	}
	if _, _, err := g.RunWithContext(context.Background(), []int{1}, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("zero steps err = %v", err)
	}
}

func TestRunWithContextHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := &Generator{Model: newScripted(), Sampler: newGreedySampler()}
	_, _, err := g.RunWithContext(ctx, []int{1}, 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRunWithContextConvertsForwardPanicToError(t *testing.T) {
	t.Parallel()

	g := &Generator{Model: &panicModel{*newScripted()}, Sampler: newGreedySampler()}
	_, _, err := g.RunWithContext(context.Background(), []int{1}, 1)
	if err == nil || !strings.Contains(err.Error(), "panic in ForwardToken") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunWithContextConvertsResetPanicToError(t *testing.T) {
	t.Parallel()

	g := &Generator{Model: &panicResetModel{*newScripted()}, Sampler: newGreedySampler()}
	_, _, err := g.RunWithContext(context.Background(), []int{1}, 1)
	if err == nil || !strings.Contains(err.Error(), "panic in Reset") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunWithContextReturnsForwardError(t *testing.T) {
	t.Parallel()

	g := &Generator{Model: &errOnSecondModel{scriptedModel: *newScripted()}, Sampler: newGreedySampler()}
	_, _, err := g.RunWithContext(context.Background(), []int{1}, 2)
	if err == nil || !strings.Contains(err.Error(), "forced forward failure") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunWithContextConvertsSamplerPanicToError(t *testing.T) {
	t.Parallel()

	g := &Generator{
		Model:   newScripted(),
		Sampler: nil, // nil receiver panic in Sample should be converted to an error
	}
	_, _, err := g.RunWithContext(context.Background(), []int{1}, 1)
	if err == nil || !strings.Contains(err.Error(), "panic in Sample") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEngineProcessAssemblesTokens(t *testing.T) {
	t.Parallel()

	tok := fakeTokenizer{pieces: fakePieces, prompt: []int{3, 4}}
	e := NewEngine(newScripted(), tok, []int{2}, Info{})
	res, err := e.Process(context.Background(), &Request{Prompt: "the cat", MaxNewTokens: 10})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Text != "sat on mat" {
		t.Fatalf("text = %q", res.Text)
	}
	wantPieces := []string{"▁sat", "▁on", "▁mat"}
	if len(res.Tokens) != len(wantPieces) {
		t.Fatalf("tokens = %+v", res.Tokens)
	}
	var sum float64
	for i, tk := range res.Tokens {
		if tk.Text != wantPieces[i] {
			t.Fatalf("token %d = %q, want %q", i, tk.Text, wantPieces[i])
		}
		// Greedy: the sampled token is the arg-max.
		if tk.TopText != strings.TrimPrefix(wantPieces[i], "▁") || tk.TopLogprob != tk.Logprob {
			t.Fatalf("token %d top = %q %v, logprob %v", i, tk.TopText, tk.TopLogprob, tk.Logprob)
		}
		sum += tk.Logprob
	}
	// The EOS step is excluded from tokens but counted in the sum.
	if !(res.Logprob < sum) {
		t.Fatalf("logprob = %v, want below %v", res.Logprob, sum)
	}
	if res.Stats.StopReason != StopEOS || res.Stats.TokensGenerated != 4 {
		t.Fatalf("stats = %+v", res.Stats)
	}
}

func TestEngineProcessEchoesPrompt(t *testing.T) {
	t.Parallel()

	tok := fakeTokenizer{pieces: fakePieces, prompt: []int{3, 4}}
	e := NewEngine(newScripted(), tok, []int{2}, Info{})
	res, err := e.Process(context.Background(), &Request{Prompt: "the cat", MaxNewTokens: 1, EchoPrompt: true})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Text != "the catsat" {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestEngineProcessAfterClose(t *testing.T) {
	t.Parallel()

	e := NewEngine(newScripted(), fakeTokenizer{pieces: fakePieces}, nil, Info{})
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := e.Process(context.Background(), &Request{Prompt: "x", MaxNewTokens: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestEngineDecodeRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	e := NewEngine(newScripted(), fakeTokenizer{pieces: fakePieces}, nil, Info{})
	if _, err := e.Decode(context.Background(), []int{3, 99}, true); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v, want ErrInvalidRequest", err)
	}
	text, err := e.Decode(context.Background(), []int{1, 3, 4}, true)
	if err != nil || text != "the cat" {
		t.Fatalf("decode = %q, %v", text, err)
	}
}

func TestEngineTokenizeAddsBOS(t *testing.T) {
	t.Parallel()

	e := NewEngine(newScripted(), fakeTokenizer{pieces: fakePieces, prompt: []int{3, 4}}, nil, Info{})
	ids, err := e.Tokenize(context.Background(), "the cat", tokenizer.EncodeOptions{Truncation: true, MaxLength: 2})
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 3 {
		t.Fatalf("ids = %v", ids)
	}
}

func TestGreedyLogprobMatchesLogSoftmax(t *testing.T) {
	t.Parallel()

	tok := fakeTokenizer{pieces: fakePieces, prompt: []int{3, 4}}
	e := NewEngine(newScripted(), tok, []int{2}, Info{})
	res, err := e.Process(context.Background(), &Request{Prompt: "the cat", MaxNewTokens: 1})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// One logit at 10, seven at 0.
	want := 10 - math.Log(math.Exp(10)+7)
	if got := res.Tokens[0].Logprob; math.Abs(got-want) > 1e-4 {
		t.Fatalf("logprob = %v, want %v", got, want)
	}
}
