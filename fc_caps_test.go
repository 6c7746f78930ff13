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

func TestFCCapsShape(t *testing.T) {
	c := anyvec32.CurrentCreator()
	layer, err := NewFCCaps(c, 4, 8, 3, 16, &HeNormal{Rand: rand.New(rand.NewSource(1))})
	if err != nil {
		t.Fatal(err)
	}
	in := c.MakeVector(2 * 4 * 8)
	anyvec.Rand(in, anyvec.Normal, nil)
	out := layer.Apply(anydiff.NewConst(in), 2).Output()
	if out.Len() != 2*3*16 {
		t.Fatalf("expected %d outputs but got %d", 2*3*16, out.Len())
	}
	data := vectorFloats(out)
	for i := 0; i < 6; i++ {
		if n := norm(data[i*16 : (i+1)*16]); n >= 1 {
			t.Errorf("parent %d has norm %f", i, n)
		}
	}
}

func TestFCCapsOutput(t *testing.T) {
	c := anyvec64.CurrentCreator()
	layer, err := NewFCCaps(c, 3, 2, 4, 3, &GlorotNormal{Rand: rand.New(rand.NewSource(2))})
	if err != nil {
		t.Fatal(err)
	}
	anyvec.Rand(layer.Biases.Vector, anyvec.Normal, rand.New(rand.NewSource(3)))
	in := c.MakeVector(2 * 3 * 2)
	anyvec.Rand(in, anyvec.Normal, nil)

	actual := vectorFloats(layer.Apply(anydiff.NewConst(in), 2).Output())
	expected := naiveFCCaps(layer, vectorFloats(in), 2)
	assertClose(t, actual, expected, 1e-8)
}

func TestFCCapsCouplings(t *testing.T) {
	c := anyvec64.CurrentCreator()
	layer, err := NewFCCaps(c, 5, 3, 4, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	in := c.MakeVector(3 * 5 * 3)
	anyvec.Rand(in, anyvec.Normal, nil)
	couplings := vectorFloats(layer.Couplings(anydiff.NewConst(in), 3))
	for b := 0; b < 3; b++ {
		for j := 0; j < 5; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += couplings[(b*4+k)*5+j]
			}
			if math.Abs(sum-1) > 1e-8 {
				t.Errorf("batch %d child %d: couplings sum to %f", b, j, sum)
			}
		}
	}
}

func TestFCCapsInvalid(t *testing.T) {
	if _, err := NewFCCaps(anyvec32.CurrentCreator(), 0, 8, 10, 16, nil); err == nil {
		t.Error("expected error for zero input capsules")
	}
}

func TestFCCapsProp(t *testing.T) {
	c := anyvec64.CurrentCreator()
	layer, err := NewFCCaps(c, 3, 2, 2, 3, nil)
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

func TestFCCapsSerialize(t *testing.T) {
	layer, err := NewFCCaps(anyvec32.CurrentCreator(), 6, 4, 3, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := serializer.SerializeAny(layer)
	if err != nil {
		t.Fatal(err)
	}
	var newLayer *FCCaps
	if err := serializer.DeserializeAny(data, &newLayer); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(layer, newLayer) {
		t.Fatal("layers differ")
	}
}

func TestFCCapsDeserializeEmpty(t *testing.T) {
	c := anyvec32.CurrentCreator()
	data, err := serializer.SerializeAny(
		serializer.Int(0),
		serializer.Int(8),
		serializer.Int(3),
		serializer.Int(16),
		&anyvecsave.S{Vector: c.MakeVector(0)},
		&anyvecsave.S{Vector: c.MakeVector(0)},
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DeserializeFCCaps(data); err == nil {
		t.Error("expected error for zero input capsules")
	}
}

func naiveFCCaps(f *FCCaps, in []float64, batch int) []float64 {
	weights := vectorFloats(f.Weights.Vector)
	biases := vectorFloats(f.Biases.Vector)
	var res []float64
	for b := 0; b < batch; b++ {
		x := in[b*f.InCaps*f.InDim : (b+1)*f.InCaps*f.InDim]

		// votes[k][j] is the vote of child j for parent k.
		votes := make([][][]float64, f.OutCaps)
		for k := range votes {
			votes[k] = make([][]float64, f.InCaps)
			for j := range votes[k] {
				vote := make([]float64, f.OutDim)
				for i := 0; i < f.InDim; i++ {
					for z := 0; z < f.OutDim; z++ {
						w := weights[((k*f.InCaps+j)*f.InDim+i)*f.OutDim+z]
						vote[z] += x[j*f.InDim+i] * w
					}
				}
				votes[k][j] = vote
			}
		}

		scores := make([][]float64, f.OutCaps)
		for k := range scores {
			total := make([]float64, f.OutDim)
			for _, vote := range votes[k] {
				for z, v := range vote {
					total[z] += v
				}
			}
			scores[k] = make([]float64, f.InCaps)
			for j, vote := range votes[k] {
				scores[k][j] = dot(vote, total) / math.Sqrt(float64(f.OutDim))
			}
		}
		for j := 0; j < f.InCaps; j++ {
			var sum float64
			for k := range scores {
				sum += math.Exp(scores[k][j])
			}
			for k := range scores {
				scores[k][j] = math.Exp(scores[k][j])/sum + biases[k*f.InCaps+j]
			}
		}

		for k := 0; k < f.OutCaps; k++ {
			s := make([]float64, f.OutDim)
			for j, vote := range votes[k] {
				for z, v := range vote {
					s[z] += v * scores[k][j]
				}
			}
			n := math.Sqrt(dot(s, s) + normStabilizer)
			scale := (1 - 1/(math.Exp(n)+squashEpsilon)) / (n + squashEpsilon)
			for _, v := range s {
				res = append(res, v*scale)
			}
		}
	}
	return res
}
