package dosing

import (
	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/domain/entity"
)

// Matcher selects the single dosing regimen that applies to a patient.
type Matcher struct {
	logger *zap.Logger
}

// NewMatcher creates a matcher.
func NewMatcher(logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{logger: logger}
}

// Match filters regimens of drugID to those whose every set bound contains the
// patient (bounds inclusive) and returns the most specific one. Specificity is
// the number of set bounds plus one for an exact age-group match; ties go to
// the regimen listed first. Regimens constrained by age group alone must name
// the patient's group.
func (m *Matcher) Match(drugID string, regimens []entity.DoseRegimen, patient PatientContext) (entity.DoseRegimen, error) {
	group := patient.EffectiveAgeGroup()

	var (
		best       entity.DoseRegimen
		bestScore  = -1
		considered int
		failed     = map[Constraint]bool{}
	)
	for _, r := range regimens {
		if r.DrugID != drugID {
			continue
		}
		considered++
		if !r.Selectable() {
			continue
		}

		ok, score := true, 0
		if r.AgeMin != nil {
			score++
			if patient.Age < *r.AgeMin {
				ok, failed[ConstraintAge] = false, true
			}
		}
		if r.AgeMax != nil {
			score++
			if patient.Age > *r.AgeMax {
				ok, failed[ConstraintAge] = false, true
			}
		}
		if r.WeightMin != nil {
			score++
			if !patient.WeightKnown() || patient.Weight < *r.WeightMin {
				ok, failed[ConstraintWeight] = false, true
			}
		}
		if r.WeightMax != nil {
			score++
			if !patient.WeightKnown() || patient.Weight > *r.WeightMax {
				ok, failed[ConstraintWeight] = false, true
			}
		}
		if r.AgeGroup != "" {
			if entity.NormalizeAgeGroup(string(r.AgeGroup)) == group {
				score++
			} else if !r.HasBounds() {
				ok, failed[ConstraintAgeGroup] = false, true
			}
		}

		if ok && score > bestScore {
			best, bestScore = r, score
		}
	}

	if bestScore < 0 {
		err := &NoApplicableRegimenError{
			DrugID:     drugID,
			Age:        patient.Age,
			Weight:     patient.Weight,
			AgeGroup:   group,
			Considered: considered,
		}
		if considered == 0 {
			err.Constraints = []Constraint{ConstraintDrug}
		}
		for _, c := range []Constraint{ConstraintAge, ConstraintWeight, ConstraintAgeGroup} {
			if failed[c] {
				err.Constraints = append(err.Constraints, c)
			}
		}
		m.logger.Warn("no regimen matches patient",
			zap.String("drug_id", drugID),
			zap.Float64("age", patient.Age),
			zap.Float64("weight", patient.Weight),
			zap.Int("considered", considered))
		return entity.DoseRegimen{}, err
	}

	m.logger.Debug("regimen matched",
		zap.String("drug_id", drugID),
		zap.String("regimen_id", best.ID),
		zap.Int("specificity", bestScore))
	return best, nil
}
