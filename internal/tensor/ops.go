package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Scale multiplies x by s in place.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float64
	for _, v := range src {
		sum += float64(v) * float64(v)
	}
	mean := sum / float64(len(src))
	scale := float32(1.0 / math.Sqrt(mean+float64(eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := Max(x)
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// LogSoftmax writes log(softmax(x)) into dst. Entries equal to -Inf stay
// -Inf.
func LogSoftmax(dst, x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := Max(x)
	if math.IsInf(float64(maxv), -1) {
		for i := range dst[:len(x)] {
			dst[i] = float32(math.Inf(-1))
		}
		return
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v - maxv))
	}
	lse := float64(maxv) + math.Log(sum)
	for i, v := range x {
		dst[i] = float32(float64(v) - lse)
	}
}

// Max returns the largest value in x.
func Max(x []float32) float32 {
	m := x[0]
	for _, v := range x[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// Argmax returns the index of the first largest value in x.
func Argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// SwiGLU computes dst[i] = Silu(gate[i]) * up[i].
func SwiGLU(dst, gate, up []float32) {
	for i := range dst {
		dst[i] = Silu(gate[i]) * up[i]
	}
}

// RoPEFreqs returns the inverse frequencies for a rotary embedding over
// headDim dimensions.
func RoPEFreqs(headDim int, theta float64) []float64 {
	half := headDim / 2
	inv := make([]float64, half)
	for i := range half {
		inv[i] = 1.0 / math.Pow(theta, float64(2*i)/float64(headDim))
	}
	return inv
}

// ApplyRoPE rotates each head of x in the rotate-half layout, pairing
// element i with element i+headDim/2.
func ApplyRoPE(x []float32, nHead, headDim, pos int, invFreq []float64) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	half := headDim / 2
	for i := range half {
		angle := float64(pos) * invFreq[i]
		c := float32(math.Cos(angle))
		s := float32(math.Sin(angle))
		for h := range nHead {
			i0 := h*headDim + i
			i1 := i0 + half
			x0 := x[i0]
			x1 := x[i1]
			x[i0] = x0*c - x1*s
			x[i1] = x1*c + x0*s
		}
	}
}
