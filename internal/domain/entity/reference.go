package entity

import (
	"fmt"
	"strings"
)

// AgeGroup is the coarse patient age band used by regimens and risk rules.
type AgeGroup string

const (
	AgeGroupAdult     AgeGroup = "adult"
	AgeGroupPediatric AgeGroup = "pediatric"
	AgeGroupNeonatal  AgeGroup = "neonatal"
	AgeGroupGeriatric AgeGroup = "geriatric"
)

// NormalizeAgeGroup folds spelling variants ("paediatric", "Adult") onto the
// canonical tags. Unknown values are returned lower-cased.
func NormalizeAgeGroup(s string) AgeGroup {
	g := strings.ToLower(strings.TrimSpace(s))
	switch g {
	case "paediatric", "pediatrics", "paediatrics", "child", "children":
		return AgeGroupPediatric
	case "elderly":
		return AgeGroupGeriatric
	case "neonate":
		return AgeGroupNeonatal
	}
	return AgeGroup(g)
}

// AgeGroupForAge derives the band from an age in years.
func AgeGroupForAge(age float64) AgeGroup {
	switch {
	case age < 1:
		return AgeGroupNeonatal
	case age < 13:
		return AgeGroupPediatric
	case age >= 65:
		return AgeGroupGeriatric
	default:
		return AgeGroupAdult
	}
}

// Drug is a formulary entry. Server-authoritative.
type Drug struct {
	ID                       string     `json:"id"`
	GenericName              string     `json:"genericName"`
	TradeNames               []string   `json:"tradeName,omitempty"`
	Strength                 string     `json:"strength"`
	Route                    string     `json:"route"`
	Category                 string     `json:"category"`
	STGReference             string     `json:"stgReference,omitempty"`
	Contraindications        []string   `json:"contraindications,omitempty"`
	Warnings                 []string   `json:"warnings,omitempty"`
	PregnancyCategory        string     `json:"pregnancyCategory,omitempty"`
	Form                     string     `json:"form,omitempty"`
	IsControlled             bool       `json:"isControlled,omitempty"`
	IsAntibiotic             bool       `json:"isAntibiotic,omitempty"`
	ContraindicatedAgeGroups []AgeGroup `json:"contraindicatedAgeGroups,omitempty"`
}

func (d Drug) EntityID() string { return d.ID }

func (d Drug) Validate() error {
	if d.ID == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(d.GenericName) == "" {
		return fmt.Errorf("drug %s: missing generic name", d.ID)
	}
	return nil
}

// Controlled reports whether the drug is a controlled substance, falling back
// to the category when the explicit flag is absent.
func (d Drug) Controlled() bool {
	return d.IsControlled || strings.Contains(strings.ToLower(d.Category), "controlled")
}

// Antibiotic reports whether the drug is an antibiotic, falling back to the
// category when the explicit flag is absent.
func (d Drug) Antibiotic() bool {
	if d.IsAntibiotic {
		return true
	}
	c := strings.ToLower(d.Category)
	return strings.Contains(c, "antibiotic") || strings.Contains(c, "antibacterial")
}

// ContraindicatedFor reports whether the drug lists the age group as contraindicated.
func (d Drug) ContraindicatedFor(g AgeGroup) bool {
	for _, c := range d.ContraindicatedAgeGroups {
		if NormalizeAgeGroup(string(c)) == g {
			return true
		}
	}
	return false
}

// DoseRegimen is a dosing rule scoped to a drug and a patient parameter range.
type DoseRegimen struct {
	ID            string   `json:"id"`
	DrugID        string   `json:"drugId"`
	AgeMin        *float64 `json:"ageMin,omitempty"`
	AgeMax        *float64 `json:"ageMax,omitempty"`
	WeightMin     *float64 `json:"weightMin,omitempty"`
	WeightMax     *float64 `json:"weightMax,omitempty"`
	AgeGroup      AgeGroup `json:"ageGroup,omitempty"`
	Dose          DoseExpr `json:"doseMg"`
	Frequency     string   `json:"frequency"`
	Duration      string   `json:"duration"`
	MaxDosePerDay DoseExpr `json:"maxDoseMgDay,omitempty"`
	Route         string   `json:"route,omitempty"`
	Instructions  string   `json:"instructions,omitempty"`
}

func (r DoseRegimen) EntityID() string { return r.ID }

func (r DoseRegimen) Validate() error {
	if r.ID == "" {
		return ErrMissingID
	}
	if r.DrugID == "" {
		return fmt.Errorf("regimen %s: missing drug id", r.ID)
	}
	if r.AgeMin != nil && r.AgeMax != nil && *r.AgeMin > *r.AgeMax {
		return fmt.Errorf("regimen %s: ageMin %v > ageMax %v", r.ID, *r.AgeMin, *r.AgeMax)
	}
	if r.WeightMin != nil && r.WeightMax != nil && *r.WeightMin > *r.WeightMax {
		return fmt.Errorf("regimen %s: weightMin %v > weightMax %v", r.ID, *r.WeightMin, *r.WeightMax)
	}
	return nil
}

// HasBounds reports whether any numeric age or weight bound is set.
func (r DoseRegimen) HasBounds() bool {
	return r.AgeMin != nil || r.AgeMax != nil || r.WeightMin != nil || r.WeightMax != nil
}

// Selectable reports whether the regimen constrains anything at all.
func (r DoseRegimen) Selectable() bool {
	return r.HasBounds() || r.AgeGroup != ""
}

// Role is an operator role.
type Role struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func (r Role) EntityID() string { return r.ID }

func (r Role) Validate() error {
	if r.ID == "" {
		return ErrMissingID
	}
	return nil
}

// User is an operator account as replicated to terminals (no credentials).
type User struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	FullName      string `json:"fullName"`
	RoleID        string `json:"roleId,omitempty"`
	PharmacyID    string `json:"pharmacyId,omitempty"`
	LicenseNumber string `json:"licenseNumber,omitempty"`
	IsActive      bool   `json:"isActive"`
}

func (u User) EntityID() string { return u.ID }

func (u User) Validate() error {
	if u.ID == "" {
		return ErrMissingID
	}
	return nil
}

// PrinterSetting describes a label printer.
type PrinterSetting struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Connection string `json:"connection,omitempty"`
	PaperSize  string `json:"paperSize,omitempty"`
	IsDefault  bool   `json:"isDefault,omitempty"`
}

func (p PrinterSetting) EntityID() string { return p.ID }

func (p PrinterSetting) Validate() error {
	if p.ID == "" {
		return ErrMissingID
	}
	return nil
}

// PrintTemplate is a label template.
type PrintTemplate struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	IsDefault bool   `json:"isDefault,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

func (p PrintTemplate) EntityID() string { return p.ID }

func (p PrintTemplate) Validate() error {
	if p.ID == "" {
		return ErrMissingID
	}
	return nil
}

// SystemSettings holds facility-wide settings.
type SystemSettings struct {
	ID                  string `json:"id"`
	FacilityName        string `json:"facilityName,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	AutoSyncEnabled     bool   `json:"autoSyncEnabled,omitempty"`
	SyncIntervalSeconds int    `json:"syncIntervalSeconds,omitempty"`
	UpdatedAt           int64  `json:"updatedAt,omitempty"`
}

func (s SystemSettings) EntityID() string { return s.ID }

func (s SystemSettings) Validate() error {
	if s.ID == "" {
		return ErrMissingID
	}
	return nil
}

// SMTPSettings holds outbound mail settings. Password is stored as received
// (encrypted by the backend).
type SMTPSettings struct {
	ID           string `json:"id"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Secure       bool   `json:"secure"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	FromEmail    string `json:"fromEmail,omitempty"`
	FromName     string `json:"fromName,omitempty"`
	AdminEmail   string `json:"adminEmail,omitempty"`
	ReplyToEmail string `json:"replyToEmail,omitempty"`
	Enabled      bool   `json:"enabled"`
}

func (s SMTPSettings) EntityID() string { return s.ID }

func (s SMTPSettings) Validate() error {
	if s.ID == "" {
		return ErrMissingID
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("smtp settings %s: invalid port %d", s.ID, s.Port)
	}
	return nil
}

// Pharmacy is a dispensing site.
type Pharmacy struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Address       string `json:"address,omitempty"`
	Phone         string `json:"phone,omitempty"`
	LicenseNumber string `json:"licenseNumber,omitempty"`
	IsActive      bool   `json:"isActive"`
}

func (p Pharmacy) EntityID() string { return p.ID }

func (p Pharmacy) Validate() error {
	if p.ID == "" {
		return ErrMissingID
	}
	return nil
}
