package statestore

import "testing"

func TestMemoryConformance(t *testing.T) {
	Conformance(t, func() Store { return NewMemory() }, true)
}
