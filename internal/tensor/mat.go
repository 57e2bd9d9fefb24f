package tensor

import (
	"errors"
	"math/rand"
)

// Mat represents a dense row-major matrix of float32 values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows and equals C for
// matrices built by this package.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

var (
	ErrShape        = errors.New("tensor shape mismatch")
	errNegativeDim  = errors.New("negative dimension for matrix")
	errDataMismatch = errors.New("data length mismatch")
)

// NewMat allocates a zeroed r x c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic(errNegativeDim)
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatFromData wraps data as an r x c matrix without copying.
func NewMatFromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if r*c != len(data) {
		return Mat{}, errDataMismatch
	}
	return Mat{R: r, C: c, Stride: c, Data: data}, nil
}

// Row returns a view of row i. Writes through the view update the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// FillRand fills the matrix with reproducible values in (-0.01, 0.01).
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}

// AddLowRank computes w += scale * (b @ a) where b is w.R x r and a is
// r x w.C. Rows of w are updated on the matvec worker pool.
func AddLowRank(w, b, a *Mat, scale float32) error {
	if b.R != w.R || a.C != w.C || b.C != a.R {
		return ErrShape
	}
	rank := b.C
	parallelRows(w.R, func(rs, re int) {
		for i := rs; i < re; i++ {
			dst := w.Row(i)
			coef := b.Row(i)
			for k := 0; k < rank; k++ {
				s := scale * coef[k]
				if s == 0 {
					continue
				}
				src := a.Row(k)
				for j := range dst {
					dst[j] += s * src[j]
				}
			}
		}
	})
	return nil
}

// Transpose returns a new matrix holding the transpose of m.
func Transpose(m *Mat) Mat {
	out := NewMat(m.C, m.R)
	for i := 0; i < m.R; i++ {
		row := m.Row(i)
		for j, v := range row {
			out.Data[j*out.Stride+i] = v
		}
	}
	return out
}
