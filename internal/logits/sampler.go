package logits

import (
	"math"
	"math/rand"

	"github.com/samcharles93/loraserve/internal/tensor"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed int64
	// Temperature <= 0 selects greedy decoding.
	Temperature float32
	// TopK <= 0 disables top-k filtering.
	TopK int
}

// Choice is the outcome of one sampling step. Log-probabilities are taken
// from the processed distribution the token was drawn from.
type Choice struct {
	ID         int
	Logprob    float32
	TopID      int
	TopLogprob float32
}

type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	scores []float32
	logp   []float32
	topIdx []int
	topVal []float32
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: cfg.Temperature <= 0,
	}
}

// Sample draws one token from logits. The steps are:
//
//  1. Scale the logits by the inverse temperature.
//  2. Keep the TopK largest scores (ties with the k-th score survive) and
//     set the rest to -Inf.
//  3. Log-softmax the processed scores.
//  4. Draw an index from that distribution.
//
// Greedy samplers skip steps 1, 2 and 4 and return the arg-max. logits is
// not modified.
func (s *Sampler) Sample(logits []float32) Choice {
	if len(logits) == 0 {
		panic("sample: empty logits")
	}
	if cap(s.scores) < len(logits) {
		s.scores = make([]float32, len(logits))
		s.logp = make([]float32, len(logits))
	}
	scores := s.scores[:len(logits)]
	logp := s.logp[:len(logits)]
	copy(scores, logits)

	if !s.greedy {
		if s.cfg.Temperature != 1 {
			tensor.Scale(scores, 1/s.cfg.Temperature)
		}
		if k := s.cfg.TopK; k > 0 && k < len(scores) {
			_, topVal := s.topK(scores, k)
			threshold := topVal[len(topVal)-1]
			negInf := float32(math.Inf(-1))
			for i, v := range scores {
				if v < threshold {
					scores[i] = negInf
				}
			}
		}
	}

	tensor.LogSoftmax(logp, scores)
	top := tensor.Argmax(logp)
	id := top
	if !s.greedy {
		id = s.draw(logp, top)
	}
	return Choice{
		ID:         id,
		Logprob:    logp[id],
		TopID:      top,
		TopLogprob: logp[top],
	}
}

// draw walks the cumulative distribution. fallback is returned when
// rounding leaves the draw past the last bucket.
func (s *Sampler) draw(logp []float32, fallback int) int {
	r := s.rng.Float64()
	var c float64
	last := fallback
	for i, lp := range logp {
		if math.IsInf(float64(lp), -1) {
			continue
		}
		c += math.Exp(float64(lp))
		last = i
		if r < c {
			return i
		}
	}
	return last
}

// topK returns the indices and values of the k largest elements, ordered
// from largest to smallest. This is an O(V*K) algorithm suitable for small K.
func (s *Sampler) topK(scores []float32, k int) ([]int, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, v := range scores {
		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
