package anycaps

import (
	"math"
	"math/rand"

	"github.com/unixpickle/anyvec"
)

// truncatedStddev is the standard deviation of a unit
// normal truncated to [-2, 2].
const truncatedStddev = 0.87962566103423978

// An Initializer fills a freshly allocated weight vector
// with random values.
//
// The fanIn and fanOut arguments are the number of inputs
// and outputs that every weight contributes to.
type Initializer interface {
	Init(v anyvec.Vector, fanIn, fanOut int)
}

// HeNormal draws weights from a normal distribution
// truncated at two standard deviations, scaled so that the
// resulting variance is 2/fanIn.
//
// If Rand is nil, the global source is used.
type HeNormal struct {
	Rand *rand.Rand
}

// Init initializes the vector.
func (h *HeNormal) Init(v anyvec.Vector, fanIn, fanOut int) {
	stddev := math.Sqrt(2/float64(fanIn)) / truncatedStddev
	values := make([]float64, v.Len())
	for i := range values {
		values[i] = stddev * truncatedNormal(h.Rand)
	}
	v.SetData(v.Creator().MakeNumericList(values))
}

// GlorotUniform draws weights uniformly from the range
// [-l, l] where l = sqrt(6/(fanIn+fanOut)).
//
// If Rand is nil, the global source is used.
type GlorotUniform struct {
	Rand *rand.Rand
}

// Init initializes the vector.
func (g *GlorotUniform) Init(v anyvec.Vector, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	anyvec.Rand(v, anyvec.Uniform, g.Rand)
	v.Scale(v.Creator().MakeNumeric(2 * limit))
	v.AddScalar(v.Creator().MakeNumeric(-limit))
}

// GlorotNormal draws weights from a normal distribution
// with variance 2/(fanIn+fanOut).
//
// If Rand is nil, the global source is used.
type GlorotNormal struct {
	Rand *rand.Rand
}

// Init initializes the vector.
func (g *GlorotNormal) Init(v anyvec.Vector, fanIn, fanOut int) {
	anyvec.Rand(v, anyvec.Normal, g.Rand)
	v.Scale(v.Creator().MakeNumeric(math.Sqrt(2 / float64(fanIn+fanOut))))
}

func truncatedNormal(r *rand.Rand) float64 {
	for {
		var x float64
		if r == nil {
			x = rand.NormFloat64()
		} else {
			x = r.NormFloat64()
		}
		if math.Abs(x) <= 2 {
			return x
		}
	}
}
