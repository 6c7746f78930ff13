package capsnet

import (
	"math/rand"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet/anyconv"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

const defaultLeakyAlpha = 0.3

func init() {
	var l LeakyReLU
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLeakyReLU)
	var i InstanceNorm
	serializer.RegisterTypedDeserializer(i.SerializerType(), DeserializeInstanceNorm)
}

// LeakyReLU is a rectifier which scales negative inputs
// by Alpha instead of zeroing them.
//
// If Alpha is 0, a default of 0.3 is used.
type LeakyReLU struct {
	Alpha float64
}

// DeserializeLeakyReLU deserializes a LeakyReLU.
func DeserializeLeakyReLU(d []byte) (*LeakyReLU, error) {
	var alpha serializer.Float64
	if err := serializer.DeserializeAny(d, &alpha); err != nil {
		return nil, essentials.AddCtx("deserialize LeakyReLU", err)
	}
	return &LeakyReLU{Alpha: float64(alpha)}, nil
}

// Apply applies the activation function.
func (l *LeakyReLU) Apply(in anydiff.Res, n int) anydiff.Res {
	alpha := l.Alpha
	if alpha == 0 {
		alpha = defaultLeakyAlpha
	}
	c := in.Output().Creator()
	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		return anydiff.Add(
			anydiff.ClipPos(in),
			anydiff.Scale(clipNeg(in), c.MakeNumeric(alpha)),
		)
	})
}

// SerializerType returns the unique ID used to serialize
// a LeakyReLU with the serializer package.
func (l *LeakyReLU) SerializerType() string {
	return "github.com/unixpickle/anycaps/capsnet.LeakyReLU"
}

// Serialize serializes the layer.
func (l *LeakyReLU) Serialize() ([]byte, error) {
	return serializer.SerializeAny(serializer.Float64(l.Alpha))
}

// InstanceNorm normalizes every channel of every example
// separately, using statistics over the spatial axes.
//
// It wraps a BatchNorm whose statistics are computed one
// example at a time.
type InstanceNorm struct {
	Norm *anyconv.BatchNorm
}

// NewInstanceNorm creates an InstanceNorm for tensors of
// the given depth.
//
// The scales and biases are drawn uniformly from
// [-0.05, 0.05].
// If r is nil, the global source is used.
func NewInstanceNorm(c anyvec.Creator, depth int, r *rand.Rand) *InstanceNorm {
	norm := anyconv.NewBatchNorm(c, depth)
	for _, p := range norm.Parameters() {
		anyvec.Rand(p.Vector, anyvec.Uniform, r)
		p.Vector.Scale(c.MakeNumeric(0.1))
		p.Vector.AddScalar(c.MakeNumeric(-0.05))
	}
	return &InstanceNorm{Norm: norm}
}

// DeserializeInstanceNorm deserializes an InstanceNorm.
func DeserializeInstanceNorm(d []byte) (*InstanceNorm, error) {
	var norm *anyconv.BatchNorm
	if err := serializer.DeserializeAny(d, &norm); err != nil {
		return nil, essentials.AddCtx("deserialize InstanceNorm", err)
	}
	return &InstanceNorm{Norm: norm}, nil
}

// Apply applies the layer to a batch.
func (i *InstanceNorm) Apply(in anydiff.Res, n int) anydiff.Res {
	if n == 0 || in.Output().Len()%n != 0 {
		panic("batch size must divide input length")
	}
	size := in.Output().Len() / n
	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		parts := make([]anydiff.Res, n)
		for j := range parts {
			parts[j] = i.Norm.Apply(anydiff.Slice(in, j*size, (j+1)*size), 1)
		}
		return anydiff.Concat(parts...)
	})
}

// Parameters returns the scales and biases.
func (i *InstanceNorm) Parameters() []*anydiff.Var {
	return i.Norm.Parameters()
}

// SerializerType returns the unique ID used to serialize
// an InstanceNorm with the serializer package.
func (i *InstanceNorm) SerializerType() string {
	return "github.com/unixpickle/anycaps/capsnet.InstanceNorm"
}

// Serialize serializes the layer.
func (i *InstanceNorm) Serialize() ([]byte, error) {
	return serializer.SerializeAny(i.Norm)
}

func clipNeg(in anydiff.Res) anydiff.Res {
	c := in.Output().Creator()
	return anydiff.Scale(
		anydiff.ClipPos(anydiff.Scale(in, c.MakeNumeric(-1))),
		c.MakeNumeric(-1),
	)
}
