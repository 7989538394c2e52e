package model

import "cprnn-go/pkg/autograd"

// LSTMCell is the dense baseline: z = x·W + h·U + b split into the four gates.
type LSTMCell struct {
	W, U, Bias    autograd.Parameter
	input, hidden int
}

func newLSTM(input, hidden int, in initializer) *LSTMCell {
	return &LSTMCell{
		W:      in.param("cell.w", input, numGates*hidden),
		U:      in.param("cell.u", hidden, numGates*hidden),
		Bias:   in.param("cell.bias", 1, numGates*hidden),
		input:  input,
		hidden: hidden,
	}
}

func (c *LSTMCell) InputSize() int            { return c.input }
func (c *LSTMCell) HiddenSize() int           { return c.hidden }
func (c *LSTMCell) InitState(batch int) State { return zeroState(batch, c.hidden) }
func (c *LSTMCell) Parameters() []autograd.Parameter {
	return []autograd.Parameter{c.W, c.U, c.Bias}
}

func (c *LSTMCell) Step(x *autograd.Tensor, s State) (State, error) {
	if err := checkStep(x, s, c.input, c.hidden); err != nil {
		return State{}, err
	}
	pre := autograd.AddRow(autograd.Add(autograd.MatMul(x, c.W.Tensor), autograd.MatMul(s.Hidden, c.U.Tensor)), c.Bias.Tensor)
	var z [numGates]*autograd.Tensor
	for k := 0; k < numGates; k++ {
		z[k] = autograd.SliceCols(pre, k*c.hidden, (k+1)*c.hidden)
	}
	return lstmUpdate(z, s.Memory), nil
}

// rnnState wraps a single hidden vector; memory mirrors hidden for the plain RNN variants.
func rnnState(h *autograd.Tensor) State { return State{Memory: h, Hidden: h} }

// CPRNNCell: h' = tanh(((h·A) ⊙ (x·B))·C + b).
type CPRNNCell struct {
	A, B, C, Bias       autograd.Parameter
	input, hidden, rank int
}

func newCPRNN(input, hidden, rank int, in initializer) *CPRNNCell {
	return &CPRNNCell{
		A:      in.param("cell.a", hidden, rank),
		B:      in.param("cell.b", input, rank),
		C:      in.param("cell.c", rank, hidden),
		Bias:   in.param("cell.bias", 1, hidden),
		input:  input,
		hidden: hidden,
		rank:   rank,
	}
}

func (c *CPRNNCell) InputSize() int            { return c.input }
func (c *CPRNNCell) HiddenSize() int           { return c.hidden }
func (c *CPRNNCell) InitState(batch int) State { return zeroState(batch, c.hidden) }
func (c *CPRNNCell) Parameters() []autograd.Parameter {
	return []autograd.Parameter{c.A, c.B, c.C, c.Bias}
}

func (c *CPRNNCell) Step(x *autograd.Tensor, s State) (State, error) {
	if err := checkStep(x, s, c.input, c.hidden); err != nil {
		return State{}, err
	}
	g := autograd.Mul(autograd.MatMul(s.Hidden, c.A.Tensor), autograd.MatMul(x, c.B.Tensor))
	return rnnState(autograd.Tanh(autograd.AddRow(autograd.MatMul(g, c.C.Tensor), c.Bias.Tensor))), nil
}

// SecondOrderCell is the uncompressed bilinear RNN: h' = tanh((h ⊗ x)·W + b) with W of
// shape (hidden·input) × hidden.
type SecondOrderCell struct {
	W, Bias       autograd.Parameter
	input, hidden int
}

func newSecondOrder(input, hidden int, in initializer) *SecondOrderCell {
	return &SecondOrderCell{
		W:      in.param("cell.w", hidden*input, hidden),
		Bias:   in.param("cell.bias", 1, hidden),
		input:  input,
		hidden: hidden,
	}
}

func (c *SecondOrderCell) InputSize() int            { return c.input }
func (c *SecondOrderCell) HiddenSize() int           { return c.hidden }
func (c *SecondOrderCell) InitState(batch int) State { return zeroState(batch, c.hidden) }
func (c *SecondOrderCell) Parameters() []autograd.Parameter {
	return []autograd.Parameter{c.W, c.Bias}
}

func (c *SecondOrderCell) Step(x *autograd.Tensor, s State) (State, error) {
	if err := checkStep(x, s, c.input, c.hidden); err != nil {
		return State{}, err
	}
	outer := autograd.Outer(s.Hidden, x)
	return rnnState(autograd.Tanh(autograd.AddRow(autograd.MatMul(outer, c.W.Tensor), c.Bias.Tensor))), nil
}

// MRNNCell is the multiplicative RNN: m = (x·Wx) ⊙ (h·Wh); h' = tanh(m·Wm + x·U + b).
type MRNNCell struct {
	Wx, Wh, Wm, U, Bias autograd.Parameter
	input, hidden       int
}

func newMRNN(input, hidden int, in initializer) *MRNNCell {
	return &MRNNCell{
		Wx:     in.param("cell.wx", input, hidden),
		Wh:     in.param("cell.wh", hidden, hidden),
		Wm:     in.param("cell.wm", hidden, hidden),
		U:      in.param("cell.u", input, hidden),
		Bias:   in.param("cell.bias", 1, hidden),
		input:  input,
		hidden: hidden,
	}
}

func (c *MRNNCell) InputSize() int            { return c.input }
func (c *MRNNCell) HiddenSize() int           { return c.hidden }
func (c *MRNNCell) InitState(batch int) State { return zeroState(batch, c.hidden) }
func (c *MRNNCell) Parameters() []autograd.Parameter {
	return []autograd.Parameter{c.Wx, c.Wh, c.Wm, c.U, c.Bias}
}

func (c *MRNNCell) Step(x *autograd.Tensor, s State) (State, error) {
	if err := checkStep(x, s, c.input, c.hidden); err != nil {
		return State{}, err
	}
	m := autograd.Mul(autograd.MatMul(x, c.Wx.Tensor), autograd.MatMul(s.Hidden, c.Wh.Tensor))
	pre := autograd.Add(autograd.MatMul(m, c.Wm.Tensor), autograd.MatMul(x, c.U.Tensor))
	return rnnState(autograd.Tanh(autograd.AddRow(pre, c.Bias.Tensor))), nil
}

// MIRNNCell uses multiplicative integration:
// h' = tanh(α⊙(x·W)⊙(h·U) + β1⊙(h·U) + β2⊙(x·W) + b).
type MIRNNCell struct {
	W, U, Alpha, Beta1, Beta2, Bias autograd.Parameter
	input, hidden                   int
}

func newMIRNN(input, hidden int, in initializer) *MIRNNCell {
	return &MIRNNCell{
		W:      in.param("cell.w", input, hidden),
		U:      in.param("cell.u", hidden, hidden),
		Alpha:  in.param("cell.alpha", 1, hidden),
		Beta1:  in.param("cell.beta1", 1, hidden),
		Beta2:  in.param("cell.beta2", 1, hidden),
		Bias:   in.param("cell.bias", 1, hidden),
		input:  input,
		hidden: hidden,
	}
}

func (c *MIRNNCell) InputSize() int            { return c.input }
func (c *MIRNNCell) HiddenSize() int           { return c.hidden }
func (c *MIRNNCell) InitState(batch int) State { return zeroState(batch, c.hidden) }
func (c *MIRNNCell) Parameters() []autograd.Parameter {
	return []autograd.Parameter{c.W, c.U, c.Alpha, c.Beta1, c.Beta2, c.Bias}
}

func (c *MIRNNCell) Step(x *autograd.Tensor, s State) (State, error) {
	if err := checkStep(x, s, c.input, c.hidden); err != nil {
		return State{}, err
	}
	wx := autograd.MatMul(x, c.W.Tensor)
	uh := autograd.MatMul(s.Hidden, c.U.Tensor)
	pre := autograd.MulRow(autograd.Mul(wx, uh), c.Alpha.Tensor)
	pre = autograd.Add(pre, autograd.MulRow(uh, c.Beta1.Tensor))
	pre = autograd.Add(pre, autograd.MulRow(wx, c.Beta2.Tensor))
	return rnnState(autograd.Tanh(autograd.AddRow(pre, c.Bias.Tensor))), nil
}
