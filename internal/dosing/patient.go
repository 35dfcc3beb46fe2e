// Package dosing resolves patient-specific doses: it selects the dosing rule
// that applies to a patient and turns it into an editable dose proposal.
package dosing

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-pod/internal/domain/entity"
)

// Pregnancy is the reported pregnancy status of a patient.
type Pregnancy string

const (
	PregnancyUnknown Pregnancy = "unknown"
	PregnancyYes     Pregnancy = "yes"
	PregnancyNo      Pregnancy = "no"
)

// PatientContext carries the patient parameters of one dispensing attempt.
// Weight 0 means unknown.
type PatientContext struct {
	Age       float64         `json:"age"`
	Weight    float64         `json:"weight"`
	AgeGroup  entity.AgeGroup `json:"ageGroup,omitempty"`
	Pregnancy Pregnancy       `json:"pregnancyStatus,omitempty"`
	Allergies []string        `json:"allergies,omitempty"`
}

// Validate rejects impossible parameters.
func (p PatientContext) Validate() error {
	if p.Age < 0 {
		return fmt.Errorf("patient age must not be negative, got %v", p.Age)
	}
	if p.Weight < 0 {
		return fmt.Errorf("patient weight must not be negative, got %v", p.Weight)
	}
	switch p.Pregnancy {
	case "", PregnancyUnknown, PregnancyYes, PregnancyNo:
	default:
		return fmt.Errorf("unknown pregnancy status %q", p.Pregnancy)
	}
	return nil
}

// EffectiveAgeGroup returns the stated age group, or the one derived from age.
func (p PatientContext) EffectiveAgeGroup() entity.AgeGroup {
	if strings.TrimSpace(string(p.AgeGroup)) != "" {
		return entity.NormalizeAgeGroup(string(p.AgeGroup))
	}
	return entity.AgeGroupForAge(p.Age)
}

// Pregnant reports a confirmed pregnancy. Unknown is treated as not pregnant.
func (p PatientContext) Pregnant() bool {
	return p.Pregnancy == PregnancyYes
}

// WeightKnown reports whether a weight was supplied.
func (p PatientContext) WeightKnown() bool {
	return p.Weight > 0
}
