package logits

import (
	"math"
	"testing"
)

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical results when sampling the same logits vector.
func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	logs := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4})
	for range 20 {
		a := s1.Sample(logs)
		b := s2.Sample(logs)
		if a != b {
			t.Fatalf("expected deterministic sample, got %+v vs %+v", a, b)
		}
	}
}

func TestSamplerGreedy(t *testing.T) {
	t.Parallel()
	logs := []float32{-1, 5, 3, 7, 2}
	s := NewSampler(SamplerConfig{Seed: 99, Temperature: 0, TopK: 2})
	c := s.Sample(logs)
	if c.ID != 3 || c.TopID != 3 {
		t.Fatalf("expected greedy index 3, got %+v", c)
	}
	if c.Logprob != c.TopLogprob {
		t.Fatalf("greedy logprob %v != top logprob %v", c.Logprob, c.TopLogprob)
	}

	// greedy uses the raw log-softmax
	var sum float64
	for _, v := range logs {
		sum += math.Exp(float64(v - 7))
	}
	want := -math.Log(sum)
	if math.Abs(float64(c.Logprob)-want) > 1e-5 {
		t.Fatalf("logprob = %v, want %v", c.Logprob, want)
	}
}

func TestSamplerTopKRestrictsSupport(t *testing.T) {
	t.Parallel()
	logs := []float32{10, 9, 0, 0, 0, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 1, Temperature: 5, TopK: 2})
	for range 200 {
		c := s.Sample(logs)
		if c.ID != 0 && c.ID != 1 {
			t.Fatalf("sampled %d outside top-k", c.ID)
		}
		if c.TopID != 0 {
			t.Fatalf("top id = %d", c.TopID)
		}
	}
}

func TestSamplerTopKTies(t *testing.T) {
	t.Parallel()
	logs := []float32{3, 1, 1, 0}
	s := NewSampler(SamplerConfig{Seed: 1, Temperature: 1, TopK: 2})
	seen := map[int]bool{}
	for range 2000 {
		seen[s.Sample(logs).ID] = true
	}
	if seen[3] {
		t.Fatal("token below the k-th score was sampled")
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("tied tokens should both survive top-k, seen %v", seen)
	}
}

func TestSamplerLogprobsNormalized(t *testing.T) {
	t.Parallel()
	logs := []float32{2, 1, 0.5, -1, 3}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 0.8, TopK: 3})
	s.Sample(logs)

	var total float64
	for _, lp := range s.logp[:len(logs)] {
		total += math.Exp(float64(lp))
	}
	if math.Abs(total-1) > 1e-5 {
		t.Fatalf("processed probabilities sum to %v", total)
	}
	if !math.IsInf(float64(s.logp[3]), -1) {
		t.Fatalf("filtered token has logprob %v", s.logp[3])
	}
}

func TestSamplerTopKDisabled(t *testing.T) {
	t.Parallel()
	logs := []float32{0, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1, TopK: 0})
	seen := map[int]bool{}
	for range 500 {
		c := s.Sample(logs)
		seen[c.ID] = true
		if math.Abs(float64(c.Logprob)-math.Log(0.25)) > 1e-5 {
			t.Fatalf("logprob = %v", c.Logprob)
		}
	}
	if len(seen) != 4 {
		t.Fatalf("expected all tokens sampled, got %v", seen)
	}
}

func TestSamplerDoesNotModifyInput(t *testing.T) {
	t.Parallel()
	logs := []float32{1, 2, 3}
	s := NewSampler(SamplerConfig{Seed: 1, Temperature: 0.5, TopK: 1})
	c := s.Sample(logs)
	if c.ID != 2 || c.Logprob != 0 {
		t.Fatalf("top-1 sample = %+v", c)
	}
	if logs[0] != 1 || logs[1] != 2 || logs[2] != 3 {
		t.Fatalf("input modified: %v", logs)
	}
}
