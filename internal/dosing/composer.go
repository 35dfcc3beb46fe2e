package dosing

import (
	"fmt"
	"strings"

	"github.com/drfirst/go-pod/internal/domain/dispense"
	"github.com/drfirst/go-pod/internal/domain/entity"
)

// DefaultHighAlertCategories are drug categories that always require PIN
// confirmation.
var DefaultHighAlertCategories = []string{"anticoagulant", "insulin", "chemotherapy", "immunosuppressant"}

// Composer turns a matched regimen into a dose proposal. It is pure: the same
// inputs always produce the same proposal.
type Composer struct {
	highAlert []string
}

// NewComposer creates a composer flagging the given categories as high-alert.
// A nil list uses DefaultHighAlertCategories.
func NewComposer(highAlertCategories []string) *Composer {
	if highAlertCategories == nil {
		highAlertCategories = DefaultHighAlertCategories
	}
	cats := make([]string, len(highAlertCategories))
	for i, c := range highAlertCategories {
		cats[i] = strings.ToLower(c)
	}
	return &Composer{highAlert: cats}
}

// Compose builds the proposal for drug and regimen. Alerts (contraindications,
// pregnancy category D/X, allergy matches, unresolvable or excessive doses)
// come first in Warnings and require PIN confirmation; the drug's general
// warnings follow.
func (c *Composer) Compose(drug entity.Drug, regimen entity.DoseRegimen, patient PatientContext) dispense.DoseCalculation {
	var alerts []string

	doseMg := 0.0
	amount, parsed := ParseDose(regimen.Dose)
	switch {
	case !parsed:
		alerts = append(alerts, fmt.Sprintf("Dose expression %q could not be parsed; enter the dose manually", regimen.Dose))
	default:
		mg, ok := amount.Milligrams(patient.Weight)
		if !ok {
			alerts = append(alerts, fmt.Sprintf("Weight-based dose (%s) requires the patient weight", regimen.Dose))
		}
		doseMg = mg
	}

	if w := maxDoseWarning(doseMg, regimen, patient.Weight); w != "" {
		alerts = append(alerts, w)
	}

	alerts = append(alerts, drug.Contraindications...)

	if patient.Pregnant() {
		switch pc := strings.ToUpper(strings.TrimSpace(drug.PregnancyCategory)); pc {
		case "D", "X":
			alerts = append(alerts, fmt.Sprintf("Contraindicated in pregnancy (Category %s)", pc))
		}
	}

	for _, w := range drug.Warnings {
		if matchesAllergy(w, patient.Allergies) {
			alerts = append(alerts, w)
		}
	}

	warnings := dedupe(append(append([]string{}, alerts...), drug.Warnings...))

	route := drug.Route
	if route == "" {
		route = regimen.Route
	}

	return dispense.DoseCalculation{
		DrugID:             drug.ID,
		DrugName:           drug.GenericName,
		Strength:           drug.Strength,
		DoseMg:             doseMg,
		Frequency:          regimen.Frequency,
		Duration:           regimen.Duration,
		Route:              route,
		Instructions:       regimen.Instructions,
		STGCitation:        Citation(drug.STGReference),
		Warnings:           warnings,
		RequiresPinConfirm: len(alerts) > 0 || c.highAlertDrug(drug),
	}
}

// Citation formats a guideline reference. An empty reference has no citation.
func Citation(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	return "STG " + ref
}

func (c *Composer) highAlertDrug(d entity.Drug) bool {
	cat := strings.ToLower(d.Category)
	for _, k := range c.highAlert {
		if strings.Contains(cat, k) {
			return true
		}
	}
	return false
}

func maxDoseWarning(doseMg float64, regimen entity.DoseRegimen, weight float64) string {
	if regimen.MaxDosePerDay == "" || doseMg <= 0 {
		return ""
	}
	maxAmount, ok := ParseDose(regimen.MaxDosePerDay)
	if !ok {
		return ""
	}
	maxMg, ok := maxAmount.Milligrams(weight)
	if !ok || maxMg <= 0 {
		return ""
	}
	daily := doseMg
	if perDay, ok := FrequencyPerDay(regimen.Frequency); ok {
		daily = round2(doseMg * perDay)
	}
	if daily > maxMg {
		return fmt.Sprintf("Daily dose %g mg exceeds maximum %g mg/day", daily, maxMg)
	}
	return ""
}

func matchesAllergy(warning string, allergies []string) bool {
	w := strings.ToLower(warning)
	for _, a := range allergies {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" && strings.Contains(w, a) {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
