// Package capsnet assembles capsule layers into complete
// classifiers with reconstruction networks.
package capsnet

import (
	"errors"
	"fmt"

	"github.com/unixpickle/anycaps"
	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anynet"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	var m Model
	serializer.RegisterTypedDeserializer(m.SerializerType(), DeserializeModel)
}

// Inputs stores the packed inputs to a Model.
type Inputs struct {
	// Images is a batch of images.
	Images anydiff.Res

	// Labels is a batch of one-hot (or multi-hot) label
	// vectors of size NumCaps.
	// It is required in Train and Play modes.
	Labels anydiff.Res

	// Labels2 holds the labels of the second object.
	// It is required in Train and Play modes for models
	// with Double set.
	Labels2 anydiff.Res

	// Noise is added to the class capsules in Play mode.
	// It has the same shape as the capsules.
	Noise anydiff.Res
}

// Outputs stores the results of a Model.
type Outputs struct {
	// Capsules contains NumCaps capsules per example.
	Capsules anydiff.Res

	// Lengths contains the length of every capsule.
	Lengths anydiff.Res

	// Reconstructions contains one reconstruction per
	// masked object, so it has two entries for models with
	// Double set.
	Reconstructions []anydiff.Res
}

// A Model is a capsule network classifier with a
// reconstruction network.
type Model struct {
	// Encoder maps images to primary capsules.
	Encoder anynet.Net

	// Router maps primary capsules to NumCaps class
	// capsules of dimension CapsDim.
	Router anynet.Layer

	// Generator maps masked class capsules to images.
	Generator anynet.Layer

	NumCaps int
	CapsDim int

	// Double indicates that every image contains two
	// objects, each of which is reconstructed separately.
	Double bool
}

// DeserializeModel deserializes a Model.
func DeserializeModel(d []byte) (*Model, error) {
	var res Model
	var router, generator anynet.Layer
	var numCaps, capsDim, double serializer.Int
	err := serializer.DeserializeAny(d, &res.Encoder, &router, &generator, &numCaps,
		&capsDim, &double)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Model", err)
	}
	res.Router = router
	res.Generator = generator
	res.NumCaps = int(numCaps)
	res.CapsDim = int(capsDim)
	res.Double = double != 0
	return &res, nil
}

// Capsules computes the class capsules for a batch of
// images.
func (m *Model) Capsules(images anydiff.Res, n int) anydiff.Res {
	return m.Router.Apply(m.Encoder.Apply(images, n), n)
}

// Apply runs the full model on a batch.
//
// An error is returned if the mode is unknown or if the
// inputs required by the mode are missing.
func (m *Model) Apply(mode Mode, in *Inputs, n int) (*Outputs, error) {
	if err := m.checkInputs(mode, in); err != nil {
		return nil, err
	}
	return m.Decode(mode, m.Capsules(in.Images, n), in, n)
}

// Decode computes lengths and reconstructions from class
// capsules that were already computed with Capsules.
//
// The Images field of in is not used.
func (m *Model) Decode(mode Mode, caps anydiff.Res, in *Inputs, n int) (*Outputs, error) {
	if err := m.checkInputs(mode, in); err != nil {
		return nil, err
	}
	masked := m.mask(mode, caps, in)
	res := &Outputs{
		Capsules: caps,
		Lengths:  anycaps.CapsuleLengths(caps, m.CapsDim),
	}
	for _, x := range masked {
		res.Reconstructions = append(res.Reconstructions, m.Generator.Apply(x, n))
	}
	return res, nil
}

// Parameters returns the parameters of the encoder,
// router, and generator, in that order.
func (m *Model) Parameters() []*anydiff.Var {
	return anynet.Net{m.Encoder, m.Router, m.Generator}.Parameters()
}

// SerializerType returns the unique ID used to serialize
// a Model with the serializer package.
func (m *Model) SerializerType() string {
	return "github.com/unixpickle/anycaps/capsnet.Model"
}

// Serialize serializes the model.
func (m *Model) Serialize() ([]byte, error) {
	router, ok := m.Router.(serializer.Serializer)
	if !ok {
		return nil, fmt.Errorf("serialize Model: not a Serializer: %T", m.Router)
	}
	generator, ok := m.Generator.(serializer.Serializer)
	if !ok {
		return nil, fmt.Errorf("serialize Model: not a Serializer: %T", m.Generator)
	}
	var double int
	if m.Double {
		double = 1
	}
	return serializer.SerializeAny(
		m.Encoder,
		router,
		generator,
		serializer.Int(m.NumCaps),
		serializer.Int(m.CapsDim),
		serializer.Int(double),
	)
}

func (m *Model) mask(mode Mode, caps anydiff.Res, in *Inputs) []anydiff.Res {
	if mode == Play {
		caps = anydiff.Add(caps, in.Noise)
	}
	if m.Double {
		var m1, m2 anydiff.Res
		if mode == Test {
			m1, m2 = anycaps.MaskInferenceDouble(caps, m.NumCaps, m.CapsDim)
		} else {
			m1, m2 = anycaps.MaskSupervisedDouble(caps, in.Labels, in.Labels2, m.NumCaps,
				m.CapsDim)
		}
		return []anydiff.Res{m1, m2}
	}
	if mode == Test {
		return []anydiff.Res{anycaps.MaskInference(caps, m.NumCaps, m.CapsDim)}
	}
	return []anydiff.Res{anycaps.MaskSupervised(caps, in.Labels, m.NumCaps, m.CapsDim)}
}

func (m *Model) checkInputs(mode Mode, in *Inputs) error {
	if !mode.valid() {
		return fmt.Errorf("mode not recognized: %v", mode)
	}
	if in == nil {
		return errors.New("missing model inputs")
	}
	if mode == Test {
		return nil
	}
	if in.Labels == nil || (m.Double && in.Labels2 == nil) {
		return fmt.Errorf("%v mode requires labels", mode)
	}
	if mode == Play && in.Noise == nil {
		return errors.New("play mode requires noise")
	}
	return nil
}
