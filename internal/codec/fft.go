// Package codec implements the two signal-processing building blocks the
// rest of PulseMesh treats as black boxes: FFT, the deterministic vector
// transform used for resonance comparison and text embedding, and Wire, the
// Message framing codec (see fft.go and wire.go).
package codec

import (
	"hash/fnv"
	"math"

	"github.com/pulsemesh/pulsemesh/internal/models"
)

// FFT is a deterministic, linear, numerically stable transform
// f: R^D -> R^D with a paired approximate inverse g(f(x)) ~= x, per
// spec.md §4.1. The exact kernel is an implementation choice; PulseMesh
// uses a real-valued Hartley-style butterfly (a self-inverse-up-to-scale
// orthogonal transform), which keeps Forward and Inverse the same
// algorithm run twice, with D rounded up to the next power of two
// internally so the iterative radix-2 butterfly is well defined for any D.
type FFT struct {
	dim     int
	paddedN int
}

// NewFFT creates an FFT codec operating on vectors of dimension dim
// (spec.md default 128).
func NewFFT(dim int) *FFT {
	if dim <= 0 {
		dim = 128
	}
	return &FFT{dim: dim, paddedN: nextPow2(dim)}
}

// Dim returns the codec's fixed dimension D.
func (f *FFT) Dim() int { return f.dim }

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	if p == 0 {
		p = 1
	}
	return p
}

// Forward applies f to x, padding/truncating to D first and returning a
// length-D result.
func (f *FFT) Forward(x models.Vector) models.Vector {
	return f.transform(x, false)
}

// Inverse applies the paired approximate inverse g to x.
func (f *FFT) Inverse(x models.Vector) models.Vector {
	return f.transform(x, true)
}

// transform runs the real Hartley butterfly. Hartley transforms are their
// own inverse up to a 1/N scale factor, so Forward and Inverse share this
// body and differ only in the final normalisation.
func (f *FFT) transform(x models.Vector, inverse bool) models.Vector {
	n := f.paddedN
	buf := make([]float64, n)
	copy(buf, x)

	out := hartley(buf)

	result := make(models.Vector, f.dim)
	scale := 1.0
	if inverse {
		scale = 1.0 / float64(n)
	}
	for i := 0; i < f.dim; i++ {
		result[i] = out[i] * scale
	}
	return result
}

// hartley computes the discrete Hartley transform of a power-of-two-length
// real sequence via a decimation-in-time FFT and the DHT/DFT identity
// H[k] = Re(X[k]) - Im(X[k]), which keeps the whole codec free of complex
// arithmetic types while remaining linear and deterministic.
func hartley(x []float64) []float64 {
	n := len(x)
	re := make([]float64, n)
	im := make([]float64, n)
	copy(re, x)
	fftComplex(re, im, false)

	out := make([]float64, n)
	for i := range out {
		out[i] = re[i] - im[i]
	}
	return out
}

// fftComplex is an in-place iterative radix-2 Cooley-Tukey FFT over
// parallel real/imag slices. inverse selects the sign of the twiddle
// factor exponent; PulseMesh never needs the 1/N-scaled inverse directly
// since hartley() only consumes the forward transform.
func fftComplex(re, im []float64, inverse bool) {
	n := len(re)
	if n <= 1 {
		return
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	sign := -1.0
	if inverse {
		sign = 1.0
	}

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		theta := sign * 2 * math.Pi / float64(size)
		wReal, wImag := math.Cos(theta), math.Sin(theta)
		for start := 0; start < n; start += size {
			curReal, curImag := 1.0, 0.0
			for k := 0; k < half; k++ {
				aIdx, bIdx := start+k, start+k+half
				bReal := re[bIdx]*curReal - im[bIdx]*curImag
				bImag := re[bIdx]*curImag + im[bIdx]*curReal

				re[bIdx] = re[aIdx] - bReal
				im[bIdx] = im[aIdx] - bImag
				re[aIdx] = re[aIdx] + bReal
				im[aIdx] = im[aIdx] + bImag

				nextReal := curReal*wReal - curImag*wImag
				nextImag := curReal*wImag + curImag*wReal
				curReal, curImag = nextReal, nextImag
			}
		}
	}
}

// Embed hashes text into a seed vector of dimension D and applies Forward,
// per spec.md §4.1's embed_text contract.
func (f *FFT) Embed(text string) models.Vector {
	seed := make(models.Vector, f.dim)
	h := fnv.New64a()
	state := uint64(14695981039346656037) // FNV offset basis, reseeded per index
	for i := 0; i < f.dim; i++ {
		h.Reset()
		h.Write([]byte{byte(state), byte(state >> 8), byte(state >> 16), byte(state >> 24)})
		h.Write([]byte(text))
		sum := h.Sum64()
		state = sum
		// Map the hash into [-1, 1] deterministically.
		seed[i] = (float64(sum%2000001) / 1000000.0) - 1.0
	}
	return f.Forward(seed.Normalized())
}
