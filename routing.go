package anycaps

import "fmt"

// A RoutingMode determines how a DigitCaps layer combines
// the votes of its children.
//
// The zero value is NoRouting().
type RoutingMode struct {
	iterations int
}

// NoRouting sums the votes of every child uniformly and
// squashes the result once.
func NoRouting() RoutingMode {
	return RoutingMode{}
}

// AgreementRouting runs routing by agreement for a fixed
// number of iterations.
// If iterations is 0, the result is NoRouting().
func AgreementRouting(iterations int) RoutingMode {
	if iterations < 0 {
		panic(fmt.Sprintf("invalid routing iteration count: %d", iterations))
	}
	return RoutingMode{iterations: iterations}
}

// Enabled returns true for agreement routing.
func (r RoutingMode) Enabled() bool {
	return r.iterations > 0
}

// Iterations returns the number of agreement iterations,
// which is 0 for NoRouting().
func (r RoutingMode) Iterations() int {
	return r.iterations
}

// String returns a human-readable description.
func (r RoutingMode) String() string {
	if !r.Enabled() {
		return "NoRouting"
	}
	return fmt.Sprintf("AgreementRouting(%d)", r.iterations)
}
