// Package risk scores dispensing decisions and decides which ones must be
// confirmed by an operator before they are recorded.
package risk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Weights are the score contributions of individual risk factors.
type Weights struct {
	Paediatric                int `yaml:"paediatric"`
	PaediatricContraindicated int `yaml:"paediatricContraindicated"`
	VeryLowWeight             int `yaml:"veryLowWeight"`
	LiquidFormulation         int `yaml:"liquidFormulation"`
	Geriatric                 int `yaml:"geriatric"`
	GeriatricContraindicated  int `yaml:"geriatricContraindicated"`
	Controlled                int `yaml:"controlled"`
	STGDeviation              int `yaml:"stgDeviation"`
	Override                  int `yaml:"override"`
	Antibiotic                int `yaml:"antibiotic"`
	Pregnant                  int `yaml:"pregnant"`
	PregnancyContraindicated  int `yaml:"pregnancyContraindicated"`
	PaediatricAntibiotic      int `yaml:"paediatricAntibiotic"`
	GeriatricControlled       int `yaml:"geriatricControlled"`
}

// Bands are the lowest scores of each category above none.
type Bands struct {
	Low      int `yaml:"low"`
	Medium   int `yaml:"medium"`
	High     int `yaml:"high"`
	Critical int `yaml:"critical"`
}

// Policy is the tunable scoring table.
type Policy struct {
	Weights Weights `yaml:"weights"`
	Bands   Bands   `yaml:"bands"`

	// VeryLowWeightKg is the weight under which a paediatric patient is
	// flagged as very low weight.
	VeryLowWeightKg float64 `yaml:"veryLowWeightKg"`

	// Drug ids contraindicated per population, in addition to what the drug
	// record itself declares.
	PaediatricContraindicated []string `yaml:"paediatricContraindicated"`
	GeriatricContraindicated  []string `yaml:"geriatricContraindicated"`
	PregnancyContraindicated  []string `yaml:"pregnancyContraindicated"`
}

// DefaultPolicy returns the standard scoring table.
func DefaultPolicy() Policy {
	return Policy{
		Weights: Weights{
			Paediatric:                30,
			PaediatricContraindicated: 40,
			VeryLowWeight:             20,
			LiquidFormulation:         10,
			Geriatric:                 20,
			GeriatricContraindicated:  30,
			Controlled:                25,
			STGDeviation:              35,
			Override:                  20,
			Antibiotic:                0,
			Pregnant:                  15,
			PregnancyContraindicated:  40,
			PaediatricAntibiotic:      10,
			GeriatricControlled:       15,
		},
		Bands: Bands{
			Low:      20,
			Medium:   40,
			High:     60,
			Critical: 80,
		},
		VeryLowWeightKg:           5,
		PaediatricContraindicated: []string{"STREP-1000", "TETRA-500", "CIPRO-500", "ASPIRIN-325"},
		GeriatricContraindicated:  []string{"DICLOF-50", "METF-500", "BENZO-2", "TRICYC-25"},
		PregnancyContraindicated:  []string{"ACE-10", "WARFARIN-5", "METHO-50", "TETRA-500", "CIPRO-500"},
	}
}

// Validate checks that the bands ascend strictly inside the score range and
// that no weight is negative.
func (p Policy) Validate() error {
	b := p.Bands
	if !(0 < b.Low && b.Low < b.Medium && b.Medium < b.High && b.High < b.Critical && b.Critical <= MaxScore) {
		return fmt.Errorf("risk bands must ascend within 1..%d, got low=%d medium=%d high=%d critical=%d",
			MaxScore, b.Low, b.Medium, b.High, b.Critical)
	}
	w := p.Weights
	for name, v := range map[string]int{
		"paediatric": w.Paediatric, "paediatricContraindicated": w.PaediatricContraindicated,
		"veryLowWeight": w.VeryLowWeight, "liquidFormulation": w.LiquidFormulation,
		"geriatric": w.Geriatric, "geriatricContraindicated": w.GeriatricContraindicated,
		"controlled": w.Controlled, "stgDeviation": w.STGDeviation, "override": w.Override,
		"antibiotic": w.Antibiotic, "pregnant": w.Pregnant,
		"pregnancyContraindicated": w.PregnancyContraindicated,
		"paediatricAntibiotic":     w.PaediatricAntibiotic, "geriatricControlled": w.GeriatricControlled,
	} {
		if v < 0 {
			return fmt.Errorf("risk weight %s must not be negative, got %d", name, v)
		}
	}
	if p.VeryLowWeightKg < 0 {
		return errors.New("veryLowWeightKg must not be negative")
	}
	return nil
}

// LoadPolicy reads a YAML policy file. Keys absent from the file keep their
// default values; unknown keys are rejected.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read risk policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy over the defaults.
func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("decode risk policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}
