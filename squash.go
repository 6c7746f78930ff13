package anycaps

import (
	"fmt"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

const (
	squashEpsilon  = 1e-7
	normStabilizer = 1e-14
)

func init() {
	var s Squash
	serializer.RegisterTypedDeserializer(s.SerializerType(), DeserializeSquash)
}

// A SquashKind selects one of the squashing functions.
type SquashKind int

const (
	// ExpSquash maps a vector s to
	//
	//     (1 - 1/(exp(|s|)+eps)) * s/(|s|+eps)
	//
	// It saturates faster than HintonSquash and is used by
	// the self-attention routing layers.
	ExpSquash SquashKind = iota

	// HintonSquash maps a vector s to
	//
	//     s * (|s|^2/(1+|s|^2)) / (|s|+eps)
	HintonSquash
)

// Squash is a layer which applies a squashing function to
// every capsule in its input.
//
// The input is a packed list of capsules, each of which
// has PoseSize components.
// Every output capsule points in the direction of the
// corresponding input capsule and has a norm in [0, 1).
type Squash struct {
	Kind     SquashKind
	PoseSize int
}

// DeserializeSquash deserializes a Squash.
func DeserializeSquash(d []byte) (*Squash, error) {
	var kind, poseSize serializer.Int
	if err := serializer.DeserializeAny(d, &kind, &poseSize); err != nil {
		return nil, essentials.AddCtx("deserialize Squash", err)
	}
	if SquashKind(kind) != ExpSquash && SquashKind(kind) != HintonSquash {
		return nil, fmt.Errorf("deserialize Squash: unknown kind: %d", kind)
	}
	return &Squash{Kind: SquashKind(kind), PoseSize: int(poseSize)}, nil
}

// Apply applies the squashing function.
func (s *Squash) Apply(in anydiff.Res, n int) anydiff.Res {
	switch s.Kind {
	case ExpSquash:
		return SquashExp(in, s.PoseSize)
	case HintonSquash:
		return SquashHinton(in, s.PoseSize)
	default:
		panic(fmt.Sprintf("unknown squash kind: %d", s.Kind))
	}
}

// SerializerType returns the unique ID used to serialize
// a Squash with the serializer package.
func (s *Squash) SerializerType() string {
	return "github.com/unixpickle/anycaps.Squash"
}

// Serialize serializes the layer.
func (s *Squash) Serialize() ([]byte, error) {
	return serializer.SerializeAny(serializer.Int(s.Kind), serializer.Int(s.PoseSize))
}

// SquashExp applies the ExpSquash function to every
// poseSize-component capsule in the input.
func SquashExp(in anydiff.Res, poseSize int) anydiff.Res {
	checkPoseSize(in, poseSize)
	c := in.Output().Creator()
	eps := c.MakeNumeric(squashEpsilon)
	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		return anydiff.Pool(capsuleNorms(in, poseSize), func(norm anydiff.Res) anydiff.Res {
			invExp := anydiff.Pow(anydiff.AddScalar(anydiff.Exp(norm), eps), c.MakeNumeric(-1))
			scales := anydiff.Div(anydiff.Complement(invExp), anydiff.AddScalar(norm, eps))
			return scaleChunks(in, scales)
		})
	})
}

// SquashHinton applies the HintonSquash function to every
// poseSize-component capsule in the input.
func SquashHinton(in anydiff.Res, poseSize int) anydiff.Res {
	checkPoseSize(in, poseSize)
	c := in.Output().Creator()
	return anydiff.Pool(in, func(in anydiff.Res) anydiff.Res {
		return anydiff.Pool(sumSquares(in, poseSize), func(normSq anydiff.Res) anydiff.Res {
			norm := anydiff.Pow(anydiff.AddScalar(normSq, c.MakeNumeric(normStabilizer)),
				c.MakeNumeric(0.5))
			denom := anydiff.Mul(
				anydiff.AddScalar(normSq, c.MakeNumeric(1)),
				anydiff.AddScalar(norm, c.MakeNumeric(squashEpsilon)),
			)
			return scaleChunks(in, anydiff.Div(normSq, denom))
		})
	})
}

// capsuleNorms computes a norm for every capsule.
// A tiny constant is added under the square root so that
// the gradient is finite for zero capsules.
func capsuleNorms(in anydiff.Res, poseSize int) anydiff.Res {
	c := in.Output().Creator()
	return anydiff.Pow(
		anydiff.AddScalar(sumSquares(in, poseSize), c.MakeNumeric(normStabilizer)),
		c.MakeNumeric(0.5),
	)
}

func checkPoseSize(in anydiff.Res, poseSize int) {
	if poseSize <= 0 {
		panic("pose size must be positive")
	}
	if in.Output().Len()%poseSize != 0 {
		panic(fmt.Sprintf("pose size %d does not divide input length %d",
			poseSize, in.Output().Len()))
	}
}
