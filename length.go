package anycaps

import (
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

const lengthEpsilon = 1e-7

func init() {
	var l Length
	serializer.RegisterTypedDeserializer(l.SerializerType(), DeserializeLength)
}

// Length is a layer which replaces every capsule with its
// Euclidean norm.
type Length struct {
	PoseSize int
}

// DeserializeLength deserializes a Length.
func DeserializeLength(d []byte) (*Length, error) {
	var poseSize serializer.Int
	if err := serializer.DeserializeAny(d, &poseSize); err != nil {
		return nil, essentials.AddCtx("deserialize Length", err)
	}
	return &Length{PoseSize: int(poseSize)}, nil
}

// Apply computes the capsule lengths.
func (l *Length) Apply(in anydiff.Res, n int) anydiff.Res {
	return CapsuleLengths(in, l.PoseSize)
}

// SerializerType returns the unique ID used to serialize
// a Length with the serializer package.
func (l *Length) SerializerType() string {
	return "github.com/unixpickle/anycaps.Length"
}

// Serialize serializes the layer.
func (l *Length) Serialize() ([]byte, error) {
	return serializer.SerializeAny(serializer.Int(l.PoseSize))
}

// CapsuleLengths computes sqrt(sum(x^2) + 1e-7) for every
// poseSize-component capsule.
// The output has one component per capsule.
func CapsuleLengths(in anydiff.Res, poseSize int) anydiff.Res {
	checkPoseSize(in, poseSize)
	c := in.Output().Creator()
	return anydiff.Pow(
		anydiff.AddScalar(sumSquares(in, poseSize), c.MakeNumeric(lengthEpsilon)),
		c.MakeNumeric(0.5),
	)
}
