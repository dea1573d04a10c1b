package nn

import (
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// layer owns trainable weights. Forward and backward passes run on a worker so
// several samples can be processed concurrently against the same weights.
type layer interface {
	params() []*param
	newWorker(rng *rand.Rand) worker
}

// worker holds the per-sample activations and accumulated gradients of one layer.
// A sequence is [timestep][feature].
type worker interface {
	forward(xs [][]float64, training bool) [][]float64
	backward(dys [][]float64) [][]float64
	// grads is aligned with the owning layer's params().
	grads() [][]float64
}

func zeroAll(gs [][]float64) {
	for _, g := range gs {
		for i := range g {
			g[i] = 0
		}
	}
}

// lstmLayer is an LSTM with relu cell and output activations and sigmoid gates.
// Gate rows are laid out as input, forget, cell, output.
type lstmLayer struct {
	in              int
	units           int
	returnSequences bool
	kernel          *param // 4*units x in
	recurrent       *param // 4*units x units
	bias            *param // 4*units
}

func newLSTM(in, units int, returnSequences bool, rng *rand.Rand) *lstmLayer {
	l := &lstmLayer{
		in:              in,
		units:           units,
		returnSequences: returnSequences,
		kernel:          newParam("lstm_kernel", 4*units*in),
		recurrent:       newParam("lstm_recurrent", 4*units*units),
		bias:            newParam("lstm_bias", 4*units),
	}
	l.kernel.glorotUniform(in, 4*units, rng)
	l.recurrent.glorotUniform(units, 4*units, rng)
	for u := units; u < 2*units; u++ {
		l.bias.w[u] = 1
	}
	return l
}

func (l *lstmLayer) params() []*param {
	return []*param{l.kernel, l.recurrent, l.bias}
}

func (l *lstmLayer) newWorker(_ *rand.Rand) worker {
	return &lstmWorker{
		l:          l,
		dKernel:    make([]float64, len(l.kernel.w)),
		dRecurrent: make([]float64, len(l.recurrent.w)),
		dBias:      make([]float64, len(l.bias.w)),
		dz:         make([]float64, 4*l.units),
	}
}

type lstmStep struct {
	x, hPrev, cPrev []float64
	i, f, g, o      []float64
	zg              []float64
	c, actC         []float64
}

type lstmWorker struct {
	l          *lstmLayer
	steps      []lstmStep
	dKernel    []float64
	dRecurrent []float64
	dBias      []float64
	dz         []float64
}

func (w *lstmWorker) grads() [][]float64 {
	return [][]float64{w.dKernel, w.dRecurrent, w.dBias}
}

func (w *lstmWorker) forward(xs [][]float64, _ bool) [][]float64 {
	l := w.l
	u := l.units
	k, rec, b := l.kernel.w, l.recurrent.w, l.bias.w

	w.steps = w.steps[:0]
	h := make([]float64, u)
	c := make([]float64, u)
	out := make([][]float64, 0, len(xs))
	z := make([]float64, 4*u)

	for _, x := range xs {
		for r := 0; r < 4*u; r++ {
			z[r] = b[r] + floats.Dot(k[r*l.in:(r+1)*l.in], x) + floats.Dot(rec[r*u:(r+1)*u], h)
		}

		st := lstmStep{
			x: x, hPrev: h, cPrev: c,
			i: make([]float64, u), f: make([]float64, u), g: make([]float64, u), o: make([]float64, u),
			zg: make([]float64, u), c: make([]float64, u), actC: make([]float64, u),
		}
		hNext := make([]float64, u)
		for j := 0; j < u; j++ {
			st.i[j] = sigmoid(z[j])
			st.f[j] = sigmoid(z[u+j])
			st.zg[j] = z[2*u+j]
			st.g[j] = relu(st.zg[j])
			st.o[j] = sigmoid(z[3*u+j])
			st.c[j] = st.f[j]*c[j] + st.i[j]*st.g[j]
			st.actC[j] = relu(st.c[j])
			hNext[j] = st.o[j] * st.actC[j]
		}
		w.steps = append(w.steps, st)
		h, c = hNext, st.c

		if l.returnSequences {
			out = append(out, h)
		}
	}
	if !l.returnSequences {
		out = append(out, h)
	}
	return out
}

func (w *lstmWorker) backward(dys [][]float64) [][]float64 {
	l := w.l
	u := l.units
	k, rec := l.kernel.w, l.recurrent.w
	T := len(w.steps)

	dxs := make([][]float64, T)
	dhNext := make([]float64, u)
	dcNext := make([]float64, u)
	dz := w.dz

	for t := T - 1; t >= 0; t-- {
		st := w.steps[t]
		dh := make([]float64, u)
		copy(dh, dhNext)
		if l.returnSequences {
			floats.Add(dh, dys[t])
		} else if t == T-1 {
			floats.Add(dh, dys[0])
		}

		for j := 0; j < u; j++ {
			do := dh[j] * st.actC[j]
			dc := dh[j]*st.o[j]*reluGrad(st.c[j]) + dcNext[j]
			dz[j] = dc * st.g[j] * st.i[j] * (1 - st.i[j])
			dz[u+j] = dc * st.cPrev[j] * st.f[j] * (1 - st.f[j])
			dz[2*u+j] = dc * st.i[j] * reluGrad(st.zg[j])
			dz[3*u+j] = do * st.o[j] * (1 - st.o[j])
			dcNext[j] = dc * st.f[j]
		}

		dx := make([]float64, l.in)
		dhPrev := make([]float64, u)
		for r := 0; r < 4*u; r++ {
			if dz[r] == 0 {
				continue
			}
			floats.AddScaled(w.dKernel[r*l.in:(r+1)*l.in], dz[r], st.x)
			floats.AddScaled(w.dRecurrent[r*u:(r+1)*u], dz[r], st.hPrev)
			w.dBias[r] += dz[r]
			floats.AddScaled(dx, dz[r], k[r*l.in:(r+1)*l.in])
			floats.AddScaled(dhPrev, dz[r], rec[r*u:(r+1)*u])
		}
		dxs[t] = dx
		dhNext = dhPrev
	}
	return dxs
}

// denseLayer is a fully connected layer applied at every timestep.
type denseLayer struct {
	in     int
	out    int
	linear bool
	kernel *param // out x in
	bias   *param
}

func newDense(in, out int, linear bool, rng *rand.Rand) *denseLayer {
	d := &denseLayer{
		in:     in,
		out:    out,
		linear: linear,
		kernel: newParam("dense_kernel", out*in),
		bias:   newParam("dense_bias", out),
	}
	d.kernel.glorotUniform(in, out, rng)
	return d
}

func (d *denseLayer) params() []*param {
	return []*param{d.kernel, d.bias}
}

func (d *denseLayer) newWorker(_ *rand.Rand) worker {
	return &denseWorker{
		d:       d,
		dKernel: make([]float64, len(d.kernel.w)),
		dBias:   make([]float64, len(d.bias.w)),
	}
}

type denseWorker struct {
	d       *denseLayer
	xs      [][]float64
	zs      [][]float64
	dKernel []float64
	dBias   []float64
}

func (w *denseWorker) grads() [][]float64 {
	return [][]float64{w.dKernel, w.dBias}
}

func (w *denseWorker) forward(xs [][]float64, _ bool) [][]float64 {
	d := w.d
	w.xs = xs
	w.zs = make([][]float64, len(xs))
	out := make([][]float64, len(xs))
	for t, x := range xs {
		z := make([]float64, d.out)
		y := make([]float64, d.out)
		for r := 0; r < d.out; r++ {
			z[r] = d.bias.w[r] + floats.Dot(d.kernel.w[r*d.in:(r+1)*d.in], x)
			if d.linear {
				y[r] = z[r]
			} else {
				y[r] = relu(z[r])
			}
		}
		w.zs[t] = z
		out[t] = y
	}
	return out
}

func (w *denseWorker) backward(dys [][]float64) [][]float64 {
	d := w.d
	dxs := make([][]float64, len(dys))
	for t, dy := range dys {
		dx := make([]float64, d.in)
		for r := 0; r < d.out; r++ {
			dz := dy[r]
			if !d.linear {
				dz *= reluGrad(w.zs[t][r])
			}
			if dz == 0 {
				continue
			}
			floats.AddScaled(w.dKernel[r*d.in:(r+1)*d.in], dz, w.xs[t])
			w.dBias[r] += dz
			floats.AddScaled(dx, dz, d.kernel.w[r*d.in:(r+1)*d.in])
		}
		dxs[t] = dx
	}
	return dxs
}

// dropoutLayer zeroes a fraction of activations during training and rescales
// the rest (inverted dropout). It is the identity at inference.
type dropoutLayer struct {
	rate float64
}

func (d *dropoutLayer) params() []*param {
	return nil
}

func (d *dropoutLayer) newWorker(rng *rand.Rand) worker {
	return &dropoutWorker{rate: d.rate, rng: rng}
}

type dropoutWorker struct {
	rate  float64
	rng   *rand.Rand
	masks [][]float64
}

func (w *dropoutWorker) grads() [][]float64 {
	return nil
}

func (w *dropoutWorker) forward(xs [][]float64, training bool) [][]float64 {
	if !training || w.rate <= 0 {
		w.masks = nil
		return xs
	}
	keep := 1 / (1 - w.rate)
	w.masks = make([][]float64, len(xs))
	out := make([][]float64, len(xs))
	for t, x := range xs {
		mask := make([]float64, len(x))
		y := make([]float64, len(x))
		for j := range x {
			if w.rng.Float64() >= w.rate {
				mask[j] = keep
				y[j] = x[j] * keep
			}
		}
		w.masks[t] = mask
		out[t] = y
	}
	return out
}

func (w *dropoutWorker) backward(dys [][]float64) [][]float64 {
	if w.masks == nil {
		return dys
	}
	dxs := make([][]float64, len(dys))
	for t, dy := range dys {
		dx := make([]float64, len(dy))
		floats.MulTo(dx, dy, w.masks[t])
		dxs[t] = dx
	}
	return dxs
}
