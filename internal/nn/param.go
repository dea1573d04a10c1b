// Package nn implements the small recurrent network used to forecast prices:
// stacked LSTM layers with dropout followed by dense layers, trained with Adam on MSE.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// param is a trainable tensor stored flat, row-major, with its Adam moments.
type param struct {
	name string
	w    []float64
	m    []float64
	v    []float64
}

func newParam(name string, size int) *param {
	return &param{
		name: name,
		w:    make([]float64, size),
		m:    make([]float64, size),
		v:    make([]float64, size),
	}
}

// glorotUniform fills p with U(-l, l), l = sqrt(6 / (fanIn + fanOut)).
func (p *param) glorotUniform(fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.w {
		p.w[i] = (rng.Float64()*2 - 1) * limit
	}
}

// adam is the Adam optimizer (Kingma & Ba) with bias-corrected moments.
type adam struct {
	lr    float64
	beta1 float64
	beta2 float64
	eps   float64
	t     int
}

func newAdam(lr float64) *adam {
	return &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-7}
}

// step applies one update; grads[i] is the gradient of params[i].
func (a *adam) step(params []*param, grads [][]float64) {
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))

	for i, p := range params {
		g := grads[i]
		for j := range p.w {
			p.m[j] = a.beta1*p.m[j] + (1-a.beta1)*g[j]
			p.v[j] = a.beta2*p.v[j] + (1-a.beta2)*g[j]*g[j]
			mHat := p.m[j] / c1
			vHat := p.v[j] / c2
			p.w[j] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
		}
	}
}

// clipGlobalNorm rescales grads in place so their joint L2 norm is at most maxNorm.
func clipGlobalNorm(grads [][]float64, maxNorm float64) float64 {
	var sum float64
	for _, g := range grads {
		n := floats.Norm(g, 2)
		sum += n * n
	}
	norm := math.Sqrt(sum)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for _, g := range grads {
			floats.Scale(scale, g)
		}
	}
	return norm
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func reluGrad(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}
