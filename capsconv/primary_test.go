package capsconv

import (
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/anycaps"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
	"github.com/unixpickle/convmarkup"
	"github.com/unixpickle/serializer"
)

func TestPrimaryCapsShape(t *testing.T) {
	c := anyvec32.CurrentCreator()
	in := convmarkup.Dims{Width: 9, Height: 9, Depth: 128}
	layer, err := NewPrimaryCaps(c, in, 128, 9, 1, 16, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	inVec := c.MakeVector(3 * in.Volume())
	anyvec.Rand(inVec, anyvec.Normal, nil)
	out := layer.Apply(anydiff.NewConst(inVec), 3).Output().Data().([]float32)
	if len(out) != 3*16*8 {
		t.Fatalf("expected %d outputs but got %d", 3*16*8, len(out))
	}
	for i := 0; i < 3*16; i++ {
		var sq float64
		for _, x := range out[i*8 : (i+1)*8] {
			sq += float64(x) * float64(x)
		}
		if math.Sqrt(sq) > 1+1e-6 {
			t.Errorf("capsule %d has norm %f", i, math.Sqrt(sq))
		}
	}
}

func TestPrimaryCapsConfigError(t *testing.T) {
	in := convmarkup.Dims{Width: 9, Height: 9, Depth: 128}
	_, err := NewPrimaryCaps(anyvec32.CurrentCreator(), in, 128, 9, 1, 128, 8, nil)
	if err == nil {
		t.Fatal("expected configuration error")
	}
	_, err = NewPrimaryCaps(anyvec32.CurrentCreator(), in, 128, 10, 1, 16, 8, nil)
	if err == nil {
		t.Fatal("expected error for oversized kernel")
	}
}

func TestPrimaryCapsProp(t *testing.T) {
	c := anyvec64.CurrentCreator()
	in := convmarkup.Dims{Width: 4, Height: 3, Depth: 4}
	init := &anycaps.GlorotUniform{Rand: rand.New(rand.NewSource(1))}
	layer, err := NewPrimaryCaps(c, in, 4, 2, 1, 6, 4, init)
	if err != nil {
		t.Fatal(err)
	}
	inVec := c.MakeVector(2 * in.Volume())
	anyvec.Rand(inVec, anyvec.Normal, nil)
	inVar := anydiff.NewVar(inVec)
	checker := &anydifftest.ResChecker{
		F: func() anydiff.Res {
			return layer.Apply(inVar, 2)
		},
		V: append(layer.Parameters(), inVar),
	}
	checker.FullCheck(t)
}

func TestConvPrimaryCapsShape(t *testing.T) {
	c := anyvec32.CurrentCreator()
	in := convmarkup.Dims{Width: 20, Height: 20, Depth: 16}
	layer, err := NewConvPrimaryCaps(c, in, 9, 2, 4, 8, nil)
	if err != nil {
		t.Fatal(err)
	}
	if layer.OutputCaps() != 6*6*4 {
		t.Fatalf("expected %d capsules but got %d", 6*6*4, layer.OutputCaps())
	}
	inVec := c.MakeVector(2 * in.Volume())
	anyvec.Rand(inVec, anyvec.Normal, nil)
	out := layer.Apply(anydiff.NewConst(inVec), 2).Output()
	if out.Len() != 2*layer.OutputCaps()*8 {
		t.Fatalf("expected %d outputs but got %d", 2*layer.OutputCaps()*8, out.Len())
	}
	if len(layer.Parameters()) != 2 || layer.Parameters()[0] != layer.Conv.Filters {
		t.Error("unexpected parameters")
	}
}

func TestConvPrimaryCapsInvalid(t *testing.T) {
	in := convmarkup.Dims{Width: 6, Height: 6, Depth: 3}
	if _, err := NewConvPrimaryCaps(anyvec32.CurrentCreator(), in, 9, 2, 4, 8, nil); err == nil {
		t.Error("expected error for oversized kernel")
	}
	if _, err := NewConvPrimaryCaps(anyvec32.CurrentCreator(), in, 3, 2, 0, 8, nil); err == nil {
		t.Error("expected error for zero capsules")
	}
}

func TestConvPrimaryCapsProp(t *testing.T) {
	c := anyvec64.CurrentCreator()
	in := convmarkup.Dims{Width: 4, Height: 4, Depth: 2}
	layer, err := NewConvPrimaryCaps(c, in, 3, 1, 2, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	anyvec.Rand(layer.Biases.Vector, anyvec.Normal, nil)
	inVec := c.MakeVector(2 * in.Volume())
	anyvec.Rand(inVec, anyvec.Normal, nil)
	inVar := anydiff.NewVar(inVec)
	checker := &anydifftest.ResChecker{
		F: func() anydiff.Res {
			return layer.Apply(inVar, 2)
		},
		V: append(layer.Parameters(), inVar),
	}
	checker.FullCheck(t)
}

func TestConvPrimaryCapsSerialize(t *testing.T) {
	in := convmarkup.Dims{Width: 5, Height: 5, Depth: 2}
	layer, err := NewConvPrimaryCaps(anyvec32.CurrentCreator(), in, 3, 1, 2, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := serializer.SerializeAny(layer)
	if err != nil {
		t.Fatal(err)
	}
	var newLayer *ConvPrimaryCaps
	if err := serializer.DeserializeAny(data, &newLayer); err != nil {
		t.Fatal(err)
	}
	if newLayer.NumCaps != 2 || newLayer.CapsDim != 4 ||
		newLayer.Biases.Vector.Len() != 8 || newLayer.Conv.FilterCount != 8 {
		t.Error("unexpected deserialized layer")
	}
}
