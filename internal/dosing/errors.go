package dosing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/drfirst/go-pod/internal/domain/entity"
)

// ErrNoApplicableRegimen matches every *NoApplicableRegimenError.
var ErrNoApplicableRegimen = errors.New("no applicable dosing regimen")

// Constraint names the patient parameter a regimen search could not satisfy.
type Constraint string

const (
	ConstraintDrug     Constraint = "drug"
	ConstraintAge      Constraint = "age"
	ConstraintWeight   Constraint = "weight"
	ConstraintAgeGroup Constraint = "age-group"
)

// NoApplicableRegimenError reports a failed regimen search together with the
// patient parameters that produced it. Callers must stop, not guess a dose.
type NoApplicableRegimenError struct {
	DrugID      string
	Age         float64
	Weight      float64
	AgeGroup    entity.AgeGroup
	Constraints []Constraint
	// Considered is the number of regimens defined for the drug.
	Considered int
}

func (e *NoApplicableRegimenError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no applicable dosing regimen for drug %s (age: %gy, weight: %gkg, group: %s)",
		e.DrugID, e.Age, e.Weight, e.AgeGroup)
	if e.Considered == 0 {
		b.WriteString(": no regimens defined")
		return b.String()
	}
	names := make([]string, len(e.Constraints))
	for i, c := range e.Constraints {
		names[i] = string(c)
	}
	fmt.Fprintf(&b, ": %d regimens considered, unmatched %s", e.Considered, strings.Join(names, ", "))
	return b.String()
}

func (e *NoApplicableRegimenError) Is(target error) bool {
	return target == ErrNoApplicableRegimen
}
