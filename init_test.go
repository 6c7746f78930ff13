package anycaps

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/unixpickle/anyvec/anyvec64"
)

func TestHeNormalTruncated(t *testing.T) {
	v := anyvec64.MakeVector(20000)
	(&HeNormal{Rand: rand.New(rand.NewSource(3))}).Init(v, 50, 10)
	data := v.Data().([]float64)

	bound := 2 * math.Sqrt(2.0/50) / truncatedStddev
	var sum, sqSum float64
	for i, x := range data {
		if math.Abs(x) > bound {
			t.Fatalf("component %d: %f exceeds bound %f", i, x, bound)
		}
		sum += x
		sqSum += x * x
	}
	mean := sum / float64(len(data))
	stddev := math.Sqrt(sqSum/float64(len(data)) - mean*mean)
	if expected := math.Sqrt(2.0 / 50); math.Abs(stddev-expected) > expected*0.05 {
		t.Errorf("expected stddev %f but got %f", expected, stddev)
	}
}

func TestInitializersSeeded(t *testing.T) {
	inits := []func(r *rand.Rand) Initializer{
		func(r *rand.Rand) Initializer { return &HeNormal{Rand: r} },
		func(r *rand.Rand) Initializer { return &GlorotUniform{Rand: r} },
		func(r *rand.Rand) Initializer { return &GlorotNormal{Rand: r} },
	}
	for i, makeInit := range inits {
		v1 := anyvec64.MakeVector(100)
		v2 := anyvec64.MakeVector(100)
		makeInit(rand.New(rand.NewSource(5))).Init(v1, 10, 10)
		makeInit(rand.New(rand.NewSource(5))).Init(v2, 10, 10)
		if !reflect.DeepEqual(v1.Data(), v2.Data()) {
			t.Errorf("initializer %d: seeded results differ", i)
		}
	}
}
