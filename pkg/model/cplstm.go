package model

import "cprnn-go/pkg/autograd"

// CPLSTMCell replaces the dense LSTM gate transform with a rank-r CP factorization:
// g = (h·A) ⊙ (x·B), then each gate k reads g[:, k·r:(k+1)·r] · C[k·r:(k+1)·r, :] + bias_k.
type CPLSTMCell struct {
	A, B, C, Bias autograd.Parameter

	input, hidden, rank int
}

func newCPLSTM(input, hidden, rank int, in initializer) *CPLSTMCell {
	return &CPLSTMCell{
		A:      in.param("cell.a", hidden, numGates*rank),
		B:      in.param("cell.b", input, numGates*rank),
		C:      in.param("cell.c", numGates*rank, hidden),
		Bias:   in.param("cell.bias", 1, numGates*hidden),
		input:  input,
		hidden: hidden,
		rank:   rank,
	}
}

func (c *CPLSTMCell) InputSize() int  { return c.input }
func (c *CPLSTMCell) HiddenSize() int { return c.hidden }
func (c *CPLSTMCell) Rank() int       { return c.rank }

func (c *CPLSTMCell) InitState(batch int) State { return zeroState(batch, c.hidden) }

func (c *CPLSTMCell) Parameters() []autograd.Parameter {
	return []autograd.Parameter{c.A, c.B, c.C, c.Bias}
}

func (c *CPLSTMCell) Step(x *autograd.Tensor, s State) (State, error) {
	if err := checkStep(x, s, c.input, c.hidden); err != nil {
		return State{}, err
	}
	g := autograd.Mul(autograd.MatMul(s.Hidden, c.A.Tensor), autograd.MatMul(x, c.B.Tensor))
	var z [numGates]*autograd.Tensor
	r, h := c.rank, c.hidden
	for k := 0; k < numGates; k++ {
		gk := autograd.SliceCols(g, k*r, (k+1)*r)
		ck := autograd.SliceRows(c.C.Tensor, k*r, (k+1)*r)
		bk := autograd.SliceCols(c.Bias.Tensor, k*h, (k+1)*h)
		z[k] = autograd.AddRow(autograd.MatMul(gk, ck), bk)
	}
	return lstmUpdate(z, s.Memory), nil
}
