package anycaps

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestLengthOutput(t *testing.T) {
	in := anyvec32.MakeVectorData([]float32{
		3, 4, 0,
		0, 0, 0,
		1, -2, 2,
	})
	layer := &Length{PoseSize: 3}
	actual := vectorFloats(layer.Apply(anydiff.NewConst(in), 3).Output())
	expected := []float64{5, math.Sqrt(lengthEpsilon), 3}
	assertClose(t, actual, expected, 1e-4)
}

func TestLengthRotationInvariant(t *testing.T) {
	in := anyvec64.MakeVector(6 * 2)
	anyvec.Rand(in, anyvec.Normal, nil)
	data := vectorFloats(in)

	angle := 0.7
	rotated := make([]float64, len(data))
	for i := 0; i < len(data); i += 2 {
		x, y := data[i], data[i+1]
		rotated[i] = x*math.Cos(angle) - y*math.Sin(angle)
		rotated[i+1] = x*math.Sin(angle) + y*math.Cos(angle)
	}

	expected := vectorFloats(CapsuleLengths(anydiff.NewConst(in), 2).Output())
	actual := vectorFloats(CapsuleLengths(anydiff.NewConst(anyvec64.MakeVectorData(rotated)),
		2).Output())
	assertClose(t, actual, expected, 1e-8)
}

func TestLengthProp(t *testing.T) {
	in := anyvec64.MakeVector(5 * 4)
	anyvec.Rand(in, anyvec.Normal, nil)
	inVar := anydiff.NewVar(in)
	checker := &anydifftest.ResChecker{
		F: func() anydiff.Res {
			return CapsuleLengths(inVar, 4)
		},
		V: []*anydiff.Var{inVar},
	}
	checker.FullCheck(t)
}
