// Package dispense implements the dispense record aggregate and its tickets.
package dispense

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a persisted dispense record.
type State string

const (
	StateCommittedLocal  State = "committed_local"
	StateCommittedSynced State = "committed_synced"
	StateCanceled        State = "canceled"
)

var (
	ErrAlreadyCanceled = errors.New("dispense record already canceled")
	ErrMissingOperator = errors.New("operator id is required")
)

// DoseCalculation is a concrete, editable dose proposal.
type DoseCalculation struct {
	DrugID             string   `json:"drugId"`
	DrugName           string   `json:"drugName"`
	Strength           string   `json:"strength"`
	DoseMg             float64  `json:"doseMg"`
	Frequency          string   `json:"frequency"`
	Duration           string   `json:"duration"`
	Route              string   `json:"route"`
	Instructions       string   `json:"instructions"`
	STGCitation        string   `json:"stgCitation"`
	Warnings           []string `json:"warnings"`
	RequiresPinConfirm bool     `json:"requiresPinConfirm"`
}

// Validate checks the fields an operator edit must never blank out.
func (d DoseCalculation) Validate() error {
	switch {
	case d.DrugID == "":
		return errors.New("dose: missing drug id")
	case d.DoseMg <= 0:
		return fmt.Errorf("dose: amount must be positive, got %v", d.DoseMg)
	case d.Frequency == "":
		return errors.New("dose: missing frequency")
	}
	return nil
}

// RiskSnapshot is the risk assessment embedded in an acknowledged record.
type RiskSnapshot struct {
	ID             string   `json:"id"`
	Score          int      `json:"riskScore"`
	Category       string   `json:"riskCategory"`
	Flags          []string `json:"riskFlags"`
	AcknowledgedBy string   `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt int64    `json:"acknowledgedAt,omitempty"`
}

// Record is a dispensing event. Timestamps are Unix milliseconds, matching the
// backend wire format.
type Record struct {
	ID                     string          `json:"id"`
	Timestamp              int64           `json:"timestamp"`
	PharmacistID           string          `json:"pharmacistId"`
	PharmacistName         string          `json:"pharmacistName,omitempty"`
	PatientName            string          `json:"patientName,omitempty"`
	PatientPhoneNumber     string          `json:"patientPhoneNumber,omitempty"`
	PatientAge             *float64        `json:"patientAge,omitempty"`
	PatientWeight          *float64        `json:"patientWeight,omitempty"`
	DrugID                 string          `json:"drugId"`
	DrugName               string          `json:"drugName"`
	Dose                   DoseCalculation `json:"dose"`
	SafetyAcknowledgements []string        `json:"safetyAcknowledgements"`
	PrintedAt              *int64          `json:"printedAt,omitempty"`
	SyncedAt               *int64          `json:"syncedAt,omitempty"`
	Synced                 bool            `json:"synced"`
	IsActive               bool            `json:"isActive"`
	DeviceID               string          `json:"deviceId"`
	RiskAssessment         *RiskSnapshot   `json:"riskAssessment,omitempty"`
	AuditLog               []AuditEntry    `json:"auditLog"`
}

// PatientSnapshot is the patient data copied onto a record.
type PatientSnapshot struct {
	Name        string
	PhoneNumber string
	Age         *float64
	Weight      *float64
}

// NewRecord builds an active, unsynced record with its creation audit entry.
func NewRecord(id string, now time.Time, operatorID, operatorName, deviceID string, patient PatientSnapshot, dose DoseCalculation, acks []string) (*Record, error) {
	if operatorID == "" {
		return nil, ErrMissingOperator
	}
	if err := dose.Validate(); err != nil {
		return nil, err
	}
	if acks == nil {
		acks = []string{}
	}
	r := &Record{
		ID:                     id,
		Timestamp:              now.UnixMilli(),
		PharmacistID:           operatorID,
		PharmacistName:         operatorName,
		PatientName:            patient.Name,
		PatientPhoneNumber:     patient.PhoneNumber,
		PatientAge:             patient.Age,
		PatientWeight:          patient.Weight,
		DrugID:                 dose.DrugID,
		DrugName:               dose.DrugName,
		Dose:                   dose,
		SafetyAcknowledgements: acks,
		IsActive:               true,
		DeviceID:               deviceID,
		AuditLog:               []AuditEntry{},
	}
	r.appendAudit(now, ActionCreated, operatorID, map[string]any{
		"drugId": dose.DrugID,
		"doseMg": dose.DoseMg,
	})
	return r, nil
}

func (r *Record) EntityID() string { return r.ID }

func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.New("missing id")
	}
	if r.DrugID == "" {
		return fmt.Errorf("dispense record %s: missing drug id", r.ID)
	}
	return nil
}

// State derives the lifecycle state.
func (r *Record) State() State {
	switch {
	case !r.IsActive:
		return StateCanceled
	case r.Synced:
		return StateCommittedSynced
	default:
		return StateCommittedLocal
	}
}

// AttachRisk embeds an acknowledged risk assessment and records the acknowledgement.
func (r *Record) AttachRisk(now time.Time, snap RiskSnapshot, actor string) {
	snap.AcknowledgedBy = actor
	snap.AcknowledgedAt = now.UnixMilli()
	r.RiskAssessment = &snap
	r.appendAudit(now, ActionRiskAcknowledged, actor, map[string]any{
		"riskAssessmentId": snap.ID,
		"riskScore":        snap.Score,
		"riskCategory":     snap.Category,
	})
}

// Cancel flips the record inactive. The record becomes unsynced so the
// cancellation itself is pushed upstream.
func (r *Record) Cancel(now time.Time, actor, reason string) error {
	if !r.IsActive {
		return ErrAlreadyCanceled
	}
	r.IsActive = false
	r.markDirty()
	details := map[string]any{}
	if reason != "" {
		details["reason"] = reason
	}
	r.appendAudit(now, ActionCanceled, actor, details)
	return nil
}

// MarkPrinted stamps the label print time.
func (r *Record) MarkPrinted(now time.Time, actor string) error {
	if !r.IsActive {
		return ErrAlreadyCanceled
	}
	ts := now.UnixMilli()
	r.PrintedAt = &ts
	r.markDirty()
	r.appendAudit(now, ActionPrinted, actor, nil)
	return nil
}

func (r *Record) markDirty() {
	r.Synced = false
	r.SyncedAt = nil
}

func (r *Record) appendAudit(now time.Time, action Action, actor string, details map[string]any) {
	r.AuditLog = append(r.AuditLog, AuditEntry{
		Timestamp: now.UnixMilli(),
		Action:    action,
		Actor:     actor,
		Details:   details,
	})
}
