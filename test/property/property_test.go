// +build property

// Package property holds the randomized checks of the runtime's core
// guarantees. Run with: go test -tags property ./test/property/...
package property

import (
	"testing"

	"github.com/leanovate/gopter"
)

const (
	MinTestIterations = 100
)

func newProperties(t *testing.T) *gopter.Properties {
	t.Helper()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = MinTestIterations
	return gopter.NewProperties(parameters)
}
