package anycaps

import (
	"fmt"
	"io"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/serializer"
)

func init() {
	serializer.RegisterTypedDeserializer((&Debug{}).SerializerType(), DeserializeDebug)
}

// Debug is a layer which logs statistics about the
// capsules passing through it.
// The input is returned untouched.
type Debug struct {
	// Writer to which stats are printed.
	// If nil, os.Stdout is used.
	Writer io.Writer

	ID       string
	PoseSize int

	// PrintLengths prints every capsule length.
	PrintLengths bool

	// PrintMean prints the mean length of each capsule
	// index across the batch.
	PrintMean bool

	// PrintMax prints the longest capsule in the batch.
	PrintMax bool
}

// DeserializeDebug deserializes a Debug layer.
// The Writer will be nil.
func DeserializeDebug(d []byte) (*Debug, error) {
	var res Debug
	var poseSize serializer.Int
	err := serializer.DeserializeAny(d, &res.ID, &poseSize, &res.PrintLengths,
		&res.PrintMean, &res.PrintMax)
	if err != nil {
		return nil, essentials.AddCtx("deserialize Debug", err)
	}
	res.PoseSize = int(poseSize)
	return &res, nil
}

// Apply logs information about its input.
func (d *Debug) Apply(in anydiff.Res, n int) anydiff.Res {
	if !d.PrintLengths && !d.PrintMean && !d.PrintMax {
		return in
	}
	lengths := CapsuleLengths(anydiff.NewConst(in.Output()), d.PoseSize).Output()
	if d.PrintLengths {
		d.println("lengths:", lengths.Data())
	}
	if d.PrintMean {
		mean := anyvec.SumRows(lengths, lengths.Len()/n)
		mean.Scale(mean.Creator().MakeNumeric(1 / float64(n)))
		d.println("mean lengths:", mean.Data())
	}
	if d.PrintMax {
		d.println("max length:", anyvec.AbsMax(lengths))
	}
	return in
}

// SerializerType returns the unique ID used to serialize
// a Debug layer with the serializer package.
func (d *Debug) SerializerType() string {
	return "github.com/unixpickle/anycaps.Debug"
}

// Serialize serializes the layer.
func (d *Debug) Serialize() ([]byte, error) {
	return serializer.SerializeAny(d.ID, serializer.Int(d.PoseSize), d.PrintLengths,
		d.PrintMean, d.PrintMax)
}

func (d *Debug) println(args ...interface{}) {
	newArgs := append([]interface{}{"Debug (" + d.ID + "):"}, args...)
	if d.Writer == nil {
		fmt.Println(newArgs...)
	} else {
		fmt.Fprintln(d.Writer, newArgs...)
	}
}
