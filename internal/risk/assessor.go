package risk

import (
	"strings"

	"github.com/drfirst/go-pod/internal/domain/entity"
)

// MaxScore is the upper bound of a risk score.
const MaxScore = 100

// Category is a risk band.
type Category string

const (
	CategoryNone     Category = "none"
	CategoryLow      Category = "low"
	CategoryMedium   Category = "medium"
	CategoryHigh     Category = "high"
	CategoryCritical Category = "critical"
)

// Description is the operator-facing text of a category.
func (c Category) Description() string {
	switch c {
	case CategoryNone:
		return "No identified risk factors"
	case CategoryLow:
		return "Low risk - monitoring recommended"
	case CategoryMedium:
		return "Medium risk - clinical review suggested"
	case CategoryHigh:
		return "High risk - pharmacist review required"
	case CategoryCritical:
		return "CRITICAL risk - immediate intervention needed"
	}
	return "Unknown risk category"
}

// Risk flags, in the order they can appear in an assessment.
const (
	FlagPaediatricDosing          = "PAEDIATRIC_DOSING"
	FlagPaediatricContraindicated = "PAEDS_CONTRAINDICATION"
	FlagVeryLowWeight             = "VERY_LOW_WEIGHT_NEONATAL"
	FlagLiquidFormulation         = "LIQUID_FORMULATION_RISK"
	FlagGeriatricDosing           = "GERIATRIC_DOSING"
	FlagGeriatricContraindicated  = "GERIATRIC_CONTRAINDICATION"
	FlagControlled                = "CONTROLLED_SUBSTANCE"
	FlagSTGDeviation              = "STG_DEVIATION"
	FlagOverrideReasonPrefix      = "OVERRIDE_REASON: "
	FlagUserOverride              = "USER_OVERRIDE"
	FlagAntibioticStewardship     = "ANTIBIOTIC_STEWARDSHIP_FLAG"
	FlagPregnant                  = "PREGNANT_PATIENT"
	FlagPregnancyContraindicated  = "PREGNANCY_CONTRAINDICATION"
	FlagPaediatricAntibiotic      = "PAEDS_ANTIBIOTIC_COMBO"
	FlagGeriatricControlled       = "GERIATRIC_CONTROLLED_COMBO"
)

// DispensingContext is everything the gate looks at for one dispense. It is
// derived at commit time from the drug record and the patient.
type DispensingContext struct {
	IsPrescription    bool            `json:"isPrescription"`
	IsControlledDrug  bool            `json:"isControlledDrug"`
	IsAntibiotic      bool            `json:"isAntibiotic"`
	STGCompliant      bool            `json:"stgCompliant"`
	OverrideFlag      bool            `json:"overrideFlag"`
	OverrideReason    string          `json:"overrideReason,omitempty"`
	PatientIsPregnant bool            `json:"patientIsPregnant"`
	PatientAgeGroup   entity.AgeGroup `json:"patientAgeGroup"`

	DrugID                       string            `json:"drugId"`
	PatientWeightKg              float64           `json:"patientWeightKg,omitempty"`
	DrugPregnancyCategory        string            `json:"drugPregnancyCategory,omitempty"`
	DrugContraindicatedAgeGroups []entity.AgeGroup `json:"drugContraindicatedAgeGroups,omitempty"`
	DrugForm                     string            `json:"drugForm,omitempty"`
}

// Assessment is the verdict for one context.
type Assessment struct {
	Score    int      `json:"riskScore"`
	Category Category `json:"riskCategory"`
	Flags    []string `json:"riskFlags"`
	HighRisk bool     `json:"highRisk"`
}

// Assessor applies a policy. It holds no mutable state and is safe for
// concurrent use.
type Assessor struct {
	policy          Policy
	paedsContra     map[string]bool
	geriContra      map[string]bool
	pregnancyContra map[string]bool
}

// NewAssessor creates an assessor for a validated policy.
func NewAssessor(p Policy) *Assessor {
	return &Assessor{
		policy:          p,
		paedsContra:     set(p.PaediatricContraindicated),
		geriContra:      set(p.GeriatricContraindicated),
		pregnancyContra: set(p.PregnancyContraindicated),
	}
}

// Policy returns the policy in use.
func (a *Assessor) Policy() Policy { return a.policy }

// Assess scores a dispensing context.
func (a *Assessor) Assess(c DispensingContext) Assessment {
	w := a.policy.Weights
	score := 0
	flags := []string{}
	add := func(weight int, flag string) {
		score += weight
		flags = append(flags, flag)
	}

	group := entity.NormalizeAgeGroup(string(c.PatientAgeGroup))
	paediatric := group == entity.AgeGroupPediatric || group == entity.AgeGroupNeonatal
	geriatric := group == entity.AgeGroupGeriatric

	switch {
	case paediatric:
		add(w.Paediatric, FlagPaediatricDosing)
		if a.paedsContra[c.DrugID] || contraindicatedFor(c.DrugContraindicatedAgeGroups, group) {
			add(w.PaediatricContraindicated, FlagPaediatricContraindicated)
		}
		if c.PatientWeightKg > 0 && c.PatientWeightKg < a.policy.VeryLowWeightKg {
			add(w.VeryLowWeight, FlagVeryLowWeight)
		}
		if liquidForm(c.DrugForm, c.DrugID) {
			add(w.LiquidFormulation, FlagLiquidFormulation)
		}
	case geriatric:
		add(w.Geriatric, FlagGeriatricDosing)
		if a.geriContra[c.DrugID] || contraindicatedFor(c.DrugContraindicatedAgeGroups, group) {
			add(w.GeriatricContraindicated, FlagGeriatricContraindicated)
		}
	}

	if c.IsControlledDrug {
		add(w.Controlled, FlagControlled)
	}

	if !c.STGCompliant {
		add(w.STGDeviation, FlagSTGDeviation)
		if r := strings.TrimSpace(c.OverrideReason); r != "" {
			flags = append(flags, FlagOverrideReasonPrefix+r)
		}
	}

	if c.OverrideFlag {
		add(w.Override, FlagUserOverride)
	}

	if c.IsAntibiotic {
		add(w.Antibiotic, FlagAntibioticStewardship)
	}

	if c.PatientIsPregnant {
		add(w.Pregnant, FlagPregnant)
		if a.pregnancyContra[c.DrugID] || pregnancyContraindicated(c.DrugPregnancyCategory) {
			add(w.PregnancyContraindicated, FlagPregnancyContraindicated)
		}
	}

	if paediatric && c.IsAntibiotic {
		add(w.PaediatricAntibiotic, FlagPaediatricAntibiotic)
	}
	if geriatric && c.IsControlledDrug {
		add(w.GeriatricControlled, FlagGeriatricControlled)
	}

	if score > MaxScore {
		score = MaxScore
	}
	cat := a.categorize(score)
	return Assessment{
		Score:    score,
		Category: cat,
		Flags:    flags,
		HighRisk: score >= a.policy.Bands.High,
	}
}

func (a *Assessor) categorize(score int) Category {
	b := a.policy.Bands
	switch {
	case score >= b.Critical:
		return CategoryCritical
	case score >= b.High:
		return CategoryHigh
	case score >= b.Medium:
		return CategoryMedium
	case score >= b.Low:
		return CategoryLow
	default:
		return CategoryNone
	}
}

func contraindicatedFor(groups []entity.AgeGroup, g entity.AgeGroup) bool {
	for _, c := range groups {
		n := entity.NormalizeAgeGroup(string(c))
		if n == g || (n == entity.AgeGroupPediatric && g == entity.AgeGroupNeonatal) {
			return true
		}
	}
	return false
}

func pregnancyContraindicated(category string) bool {
	switch strings.ToUpper(strings.TrimSpace(category)) {
	case "D", "X":
		return true
	}
	return false
}

func liquidForm(form, drugID string) bool {
	f := strings.ToLower(form)
	for _, k := range []string{"suspension", "syrup", "solution", "liquid", "drops"} {
		if strings.Contains(f, k) {
			return true
		}
	}
	return strings.Contains(strings.ToUpper(drugID), "SUSP")
}

func set(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
