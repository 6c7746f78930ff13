package anycaps

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/anyvec/anyvecsave"
	"github.com/unixpickle/serializer"
)

func TestRoutingMode(t *testing.T) {
	if NoRouting().Enabled() || AgreementRouting(0).Enabled() {
		t.Error("routing should be disabled")
	}
	if AgreementRouting(0) != NoRouting() {
		t.Error("zero iterations should collapse to NoRouting")
	}
	if r := AgreementRouting(3); !r.Enabled() || r.Iterations() != 3 {
		t.Errorf("unexpected mode: %v", r)
	}
	if s := AgreementRouting(3).String(); s != "AgreementRouting(3)" {
		t.Errorf("unexpected string: %s", s)
	}
}

func TestDigitCapsCouplingsNormalized(t *testing.T) {
	c := anyvec64.CurrentCreator()
	layer, err := NewDigitCaps(c, 6, 4, 3, 5, AgreementRouting(3),
		&GlorotUniform{Rand: rand.New(rand.NewSource(1))})
	if err != nil {
		t.Fatal(err)
	}
	in := c.MakeVector(2 * 6 * 4)
	anyvec.Rand(in, anyvec.Normal, nil)
	trace := layer.Trace(anydiff.NewConst(in), 2)
	if len(trace.Couplings) != 3 || len(trace.Poses) != 3 {
		t.Fatalf("expected 3 iterations but got %d couplings and %d poses",
			len(trace.Couplings), len(trace.Poses))
	}
	for iter, couplings := range trace.Couplings {
		data := vectorFloats(couplings)
		for child := 0; child < 2*6; child++ {
			var sum float64
			for k := 0; k < 3; k++ {
				sum += data[child*3+k]
			}
			if math.Abs(sum-1) > 1e-8 {
				t.Errorf("iteration %d child %d: couplings sum to %f", iter, child, sum)
			}
		}
	}
	final := vectorFloats(layer.Apply(anydiff.NewConst(in), 2).Output())
	assertClose(t, final, vectorFloats(trace.Poses[2]), 1e-12)
}

func TestDigitCapsConvergence(t *testing.T) {
	// Every child votes (1, 0) for the first parent, while
	// the votes for the second parent cancel out.
	layer := &DigitCaps{
		InCaps:  4,
		InDim:   1,
		OutCaps: 2,
		OutDim:  2,
		Routing: AgreementRouting(3),
		Weights: anydiff.NewVar(anyvec64.MakeVectorData([]float64{
			1, 0, 1, 0,
			1, 0, -1, 0,
			1, 0, 0, 1,
			1, 0, 0, -1,
		})),
		Biases: anydiff.NewVar(anyvec64.MakeVector(4)),
	}
	in := anyvec64.MakeVectorData([]float64{1, 1, 1, 1})
	trace := layer.Trace(anydiff.NewConst(in), 1)

	poses := make([][]float64, len(trace.Poses))
	for i, p := range trace.Poses {
		poses[i] = vectorFloats(p)
	}
	change := func(i, j int) float64 {
		diff := make([]float64, len(poses[i]))
		for k := range diff {
			diff[k] = poses[j][k] - poses[i][k]
		}
		return norm(diff)
	}
	if change(1, 2) >= change(0, 1) {
		t.Errorf("routing did not converge: changes %f then %f", change(0, 1), change(1, 2))
	}
	assertClose(t, poses[0], []float64{0.8, 0, 0, 0}, 1e-6)
	if math.Abs(poses[2][0]-0.91923) > 1e-4 {
		t.Errorf("unexpected final pose: %v", poses[2])
	}
}

func TestDigitCapsNoRouting(t *testing.T) {
	c := anyvec64.CurrentCreator()
	layer, err := NewDigitCaps(c, 3, 2, 2, 2, NoRouting(), nil)
	if err != nil {
		t.Fatal(err)
	}
	anyvec.Rand(layer.Biases.Vector, anyvec.Normal, nil)
	in := c.MakeVector(3 * 2)
	anyvec.Rand(in, anyvec.Normal, nil)

	weights := vectorFloats(layer.Weights.Vector)
	biases := vectorFloats(layer.Biases.Vector)
	x := vectorFloats(in)
	sums := append([]float64{}, biases...)
	for m := 0; m < 3; m++ {
		for i := 0; i < 2; i++ {
			for o := 0; o < 4; o++ {
				sums[o] += x[m*2+i] * weights[(m*2+i)*4+o]
			}
		}
	}
	var expected []float64
	for k := 0; k < 2; k++ {
		s := sums[k*2 : (k+1)*2]
		sq := dot(s, s)
		scale := sq / (1 + sq) / (math.Sqrt(sq+normStabilizer) + squashEpsilon)
		expected = append(expected, s[0]*scale, s[1]*scale)
	}
	actual := vectorFloats(layer.Apply(anydiff.NewConst(in), 1).Output())
	assertClose(t, actual, expected, 1e-8)

	if trace := layer.Trace(anydiff.NewConst(in), 1); len(trace.Couplings) != 0 ||
		len(trace.Poses) != 1 {
		t.Error("unexpected trace for NoRouting")
	}
}

func TestDigitCapsProp(t *testing.T) {
	for _, routing := range []RoutingMode{NoRouting(), AgreementRouting(2)} {
		c := anyvec64.CurrentCreator()
		layer, err := NewDigitCaps(c, 3, 2, 2, 3, routing, nil)
		if err != nil {
			t.Fatal(err)
		}
		anyvec.Rand(layer.Biases.Vector, anyvec.Normal, nil)
		in := c.MakeVector(2 * 3 * 2)
		anyvec.Rand(in, anyvec.Normal, nil)
		inVar := anydiff.NewVar(in)
		checker := &anydifftest.ResChecker{
			F: func() anydiff.Res {
				return layer.Apply(inVar, 2)
			},
			V: append(layer.Parameters(), inVar),
		}
		checker.FullCheck(t)
	}
}

func TestDigitCapsSerialize(t *testing.T) {
	layer, err := NewDigitCaps(anyvec32.CurrentCreator(), 12, 8, 10, 16,
		AgreementRouting(3), nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := serializer.SerializeAny(layer)
	if err != nil {
		t.Fatal(err)
	}
	var newLayer *DigitCaps
	if err := serializer.DeserializeAny(data, &newLayer); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(layer, newLayer) {
		t.Fatal("layers differ")
	}
}

func TestDigitCapsDeserializeEmpty(t *testing.T) {
	c := anyvec32.CurrentCreator()
	data, err := serializer.SerializeAny(
		serializer.Int(4),
		serializer.Int(2),
		serializer.Int(0),
		serializer.Int(5),
		serializer.Int(3),
		&anyvecsave.S{Vector: c.MakeVector(0)},
		&anyvecsave.S{Vector: c.MakeVector(0)},
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DeserializeDigitCaps(data); err == nil {
		t.Error("expected error for zero output capsules")
	}
}
