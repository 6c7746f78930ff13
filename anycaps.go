// Package anycaps implements capsule network layers on
// top of anynet.
//
// Capsules are packed row-major, with the pose of every
// capsule stored contiguously.
// A batch of n examples with N capsules of size D is thus
// a vector of length n*N*D.
//
// The routing layers (FCCaps and DigitCaps) and the
// squashing, length, and masking operations all implement
// or build on the anynet.Layer interface.
// Sub-packages provide primary capsule layers and full
// model architectures.
package anycaps

import "github.com/unixpickle/anynet"

var (
	_ anynet.Layer         = &Squash{}
	_ anynet.Layer         = &Length{}
	_ anynet.Layer         = &Debug{}
	_ anynet.Layer         = &FCCaps{}
	_ anynet.Layer         = &DigitCaps{}
	_ anynet.Parameterizer = &FCCaps{}
	_ anynet.Parameterizer = &DigitCaps{}
	_ anynet.Cost          = MarginLoss{}
)
