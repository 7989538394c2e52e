// Package optim updates model parameters from their accumulated gradients.
package optim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"cprnn-go/pkg/autograd"
	"cprnn-go/pkg/tensorio"
)

// Adam keeps first and second moments per parameter name.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	step int
	m    map[string]*mat.Dense
	v    map[string]*mat.Dense
}

func NewAdam(lr float64) *Adam {
	return &Adam{
		LR:    lr,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make(map[string]*mat.Dense),
		v:     make(map[string]*mat.Dense),
	}
}

// Steps returns how many updates have been applied.
func (a *Adam) Steps() int { return a.step }

func (a *Adam) moments(p autograd.Parameter) (*mat.Dense, *mat.Dense) {
	m, ok := a.m[p.Name]
	if !ok {
		r, c := p.Dims()
		m = mat.NewDense(r, c, nil)
		a.m[p.Name] = m
		a.v[p.Name] = mat.NewDense(r, c, nil)
	}
	return m, a.v[p.Name]
}

// Step applies one bias-corrected Adam update to every parameter.
func (a *Adam) Step(params []autograd.Parameter) {
	a.step++
	b1Corr := 1 - math.Pow(a.Beta1, float64(a.step))
	b2Corr := 1 - math.Pow(a.Beta2, float64(a.step))
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		m, v := a.moments(p)
		md, vd := m.RawMatrix().Data, v.RawMatrix().Data
		data, grad := p.Value.RawMatrix().Data, p.Grad.RawMatrix().Data
		for j, g := range grad {
			md[j] = a.Beta1*md[j] + (1-a.Beta1)*g
			vd[j] = a.Beta2*vd[j] + (1-a.Beta2)*g*g
			mhat := md[j] / b1Corr
			vhat := vd[j] / b2Corr
			data[j] -= a.LR * mhat / (math.Sqrt(vhat) + a.Eps)
		}
	}
}

// ZeroGrad clears every parameter gradient.
func ZeroGrad(params []autograd.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// ClipGradNorm rescales all gradients so their global L2 norm is at most maxNorm and
// returns the norm measured before clipping.
func ClipGradNorm(params []autograd.Parameter, maxNorm float64) float64 {
	sq := 0.0
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		n := floats.Norm(p.Grad.RawMatrix().Data, 2)
		sq += n * n
	}
	total := math.Sqrt(sq)
	coef := maxNorm / (total + 1e-6)
	if coef < 1 {
		for _, p := range params {
			if p.Grad != nil {
				p.Grad.Scale(coef, p.Grad)
			}
		}
	}
	return total
}

// State is the serializable optimizer snapshot.
type State struct {
	Step  int                        `json:"step"`
	LR    float64                    `json:"lr"`
	Beta1 float64                    `json:"beta1"`
	Beta2 float64                    `json:"beta2"`
	Eps   float64                    `json:"eps"`
	M     map[string]tensorio.Matrix `json:"exp_avg"`
	V     map[string]tensorio.Matrix `json:"exp_avg_sq"`
}

func (a *Adam) State() State {
	st := State{
		Step: a.step, LR: a.LR, Beta1: a.Beta1, Beta2: a.Beta2, Eps: a.Eps,
		M: make(map[string]tensorio.Matrix, len(a.m)),
		V: make(map[string]tensorio.Matrix, len(a.v)),
	}
	for k, m := range a.m {
		st.M[k] = tensorio.FromDense(m)
		st.V[k] = tensorio.FromDense(a.v[k])
	}
	return st
}

// LoadState restores a snapshot. Moments for names absent from params are rejected.
func (a *Adam) LoadState(st State, params []autograd.Parameter) error {
	known := make(map[string]autograd.Parameter, len(params))
	for _, p := range params {
		known[p.Name] = p
	}
	m := make(map[string]*mat.Dense, len(st.M))
	v := make(map[string]*mat.Dense, len(st.V))
	for name, snap := range st.M {
		p, ok := known[name]
		if !ok {
			return fmt.Errorf("optim: state for unknown parameter %s", name)
		}
		vs, ok := st.V[name]
		if !ok {
			return fmt.Errorf("optim: missing second moment for %s", name)
		}
		r, c := p.Dims()
		md, vd := mat.NewDense(r, c, nil), mat.NewDense(r, c, nil)
		if err := snap.CopyInto(md); err != nil {
			return fmt.Errorf("optim: %s: %w", name, err)
		}
		if err := vs.CopyInto(vd); err != nil {
			return fmt.Errorf("optim: %s: %w", name, err)
		}
		m[name], v[name] = md, vd
	}
	a.step = st.Step
	a.LR, a.Beta1, a.Beta2, a.Eps = st.LR, st.Beta1, st.Beta2, st.Eps
	a.m, a.v = m, v
	return nil
}
