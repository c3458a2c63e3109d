package orchestrator

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator produces ensemble identifiers.
type IDGenerator interface {
	EnsembleID() string
}

// UUIDGenerator produces random UUIDv4 ensemble ids.
type UUIDGenerator struct{}

func (UUIDGenerator) EnsembleID() string { return uuid.NewString() }

// NamedIDGenerator prefixes random ids with an experiment name.
type NamedIDGenerator struct {
	Name string
}

func (g NamedIDGenerator) EnsembleID() string {
	if g.Name == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s-%s", g.Name, uuid.NewString())
}
