// Package tensorio holds the JSON forms used to persist dense matrices and metric values.
package tensorio

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// Float is a float64 whose JSON form keeps NaN and ±Inf as strings.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	switch {
	case math.IsNaN(v):
		return []byte(`"NaN"`), nil
	case math.IsInf(v, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(v, -1):
		return []byte(`"-Inf"`), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch s {
		case "NaN":
			*f = Float(math.NaN())
		case "+Inf", "Inf":
			*f = Float(math.Inf(1))
		case "-Inf":
			*f = Float(math.Inf(-1))
		default:
			return fmt.Errorf("tensorio: invalid float %q", s)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// Matrix is a row-major snapshot of a dense matrix.
type Matrix struct {
	Rows int     `json:"rows"`
	Cols int     `json:"cols"`
	Data []Float `json:"data"`
}

// FromDense copies m into a Matrix.
func FromDense(m mat.Matrix) Matrix {
	r, c := m.Dims()
	out := Matrix{Rows: r, Cols: c, Data: make([]Float, 0, r*c)}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Data = append(out.Data, Float(m.At(i, j)))
		}
	}
	return out
}

// Dense rebuilds the matrix, failing when the snapshot is inconsistent.
func (m Matrix) Dense() (*mat.Dense, error) {
	if m.Rows <= 0 || m.Cols <= 0 || len(m.Data) != m.Rows*m.Cols {
		return nil, fmt.Errorf("tensorio: bad matrix %dx%d with %d values", m.Rows, m.Cols, len(m.Data))
	}
	d := make([]float64, len(m.Data))
	for i, v := range m.Data {
		d[i] = float64(v)
	}
	return mat.NewDense(m.Rows, m.Cols, d), nil
}

// CopyInto writes the snapshot into dst, which must already have matching dimensions.
func (m Matrix) CopyInto(dst *mat.Dense) error {
	r, c := dst.Dims()
	if r != m.Rows || c != m.Cols {
		return fmt.Errorf("tensorio: shape %dx%d does not match %dx%d", m.Rows, m.Cols, r, c)
	}
	src, err := m.Dense()
	if err != nil {
		return err
	}
	dst.Copy(src)
	return nil
}
