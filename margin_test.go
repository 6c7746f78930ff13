package anycaps

import (
	"math"
	"testing"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anydiff/anydifftest"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/anyvec/anyvec32"
	"github.com/unixpickle/anyvec/anyvec64"
)

func TestMarginLoss(t *testing.T) {
	testCost(t, MarginLoss{}, []float32{
		1, 0, 0,
		0, 1, 1,
	}, []float32{
		0.5, 0.05, 0.6,
		0.95, 0.3, 0.8,
	}, []float32{
		0.4*0.4 + 0.5*0.5*0.5,
		0.5*0.85*0.85 + 0.6*0.6 + 0.1*0.1,
	}, 2)
}

func TestMarginLossCustom(t *testing.T) {
	testCost(t, MarginLoss{PosMargin: 1, NegMargin: 0.2, NegWeight: 1}, []float32{
		1, 0,
	}, []float32{
		0.5, 0.5,
	}, []float32{
		0.25 + 0.09,
	}, 1)
}

func TestMarginLossProp(t *testing.T) {
	actual := anydiff.NewVar(anyvec64.MakeVectorData([]float64{
		0.2, 0.95, 0.5, 0.33,
		0.7, 0.01, 0.4, 0.85,
	}))
	desired := anydiff.NewVar(anyvec64.MakeVectorData([]float64{
		1, 0, 0, 1,
		0, 0, 1, 1,
	}))
	checker := &anydifftest.ResChecker{
		F: func() anydiff.Res {
			return MarginLoss{}.Cost(desired, actual, 2)
		},
		V: []*anydiff.Var{actual, desired},
	}
	checker.FullCheck(t)
}

func TestAccuracy(t *testing.T) {
	lengths := anyvec32.MakeVectorData([]float32{
		0.1, 0.9, 0.2,
		0.8, 0.1, 0.3,
		0.2, 0.3, 0.4,
	})
	labels := anyvec32.MakeVectorData([]float32{
		0, 1, 0,
		0, 0, 1,
		0, 0, 1,
	})
	if acc := Accuracy(lengths, labels, 3); math.Abs(acc-2.0/3) > 1e-8 {
		t.Errorf("expected 2/3 but got %f", acc)
	}
}

func TestMultiAccuracy(t *testing.T) {
	lengths := anyvec32.MakeVectorData([]float32{
		0.9, 0.8, 0.1, 0,
		0.9, 0.1, 0.8, 0,
		0.1, 0.2, 0.9, 0.8,
	})
	labels := anyvec32.MakeVectorData([]float32{
		1, 1, 0, 0,
		1, 1, 0, 0,
		1, 1, 0, 0,
	})
	if acc := MultiAccuracy(lengths, labels, 3); math.Abs(acc-0.5) > 1e-8 {
		t.Errorf("expected 0.5 but got %f", acc)
	}
}

func testCost(t *testing.T, c anynet.Cost, desired, output, expected []float32, n int) {
	desiredRes := anydiff.NewConst(anyvec32.MakeVectorData(desired))
	outputRes := anydiff.NewConst(anyvec32.MakeVectorData(output))

	actual := c.Cost(desiredRes, outputRes, n).Output().Data().([]float32)

	for i, x := range expected {
		a := actual[i]
		if math.IsNaN(float64(a)) || math.Abs(float64(x-a)) > 1e-3 {
			t.Errorf("component %d: expected %f but got %f", i, x, a)
		}
	}
}
