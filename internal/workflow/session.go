package workflow

import (
	"time"

	"github.com/drfirst/go-pod/internal/domain/dispense"
	"github.com/drfirst/go-pod/internal/dosing"
	"github.com/drfirst/go-pod/internal/risk"
)

// Session identifies the operator and terminal behind a call. It is passed to
// every operation; nothing about the operator is held globally.
type Session struct {
	OperatorID   string
	OperatorName string
	DeviceID     string
}

func (s Session) validate() error {
	if s.OperatorID == "" {
		return ErrNoOperator
	}
	return nil
}

// Proposal is a resolved, editable dose for a patient.
type Proposal struct {
	DrugID    string                   `json:"drugId"`
	RegimenID string                   `json:"regimenId"`
	Patient   dosing.PatientContext    `json:"patient"`
	Dose      dispense.DoseCalculation `json:"dose"`
}

// CommitRequest is the operator-confirmed dose plus the facts the risk gate
// needs that are not on the drug record.
type CommitRequest struct {
	Dose               dispense.DoseCalculation `json:"dose"`
	Patient            dosing.PatientContext    `json:"patient"`
	PatientName        string                   `json:"patientName,omitempty"`
	PatientPhoneNumber string                   `json:"patientPhoneNumber,omitempty"`
	Acknowledgements   []string                 `json:"safetyAcknowledgements,omitempty"`
	IsPrescription     bool                     `json:"isPrescription"`
	STGCompliant       bool                     `json:"stgCompliant"`
	OverrideFlag       bool                     `json:"overrideFlag"`
	OverrideReason     string                   `json:"overrideReason,omitempty"`
}

// Outcome is the result of Commit: either *Committed or *PendingConfirmation.
type Outcome interface {
	outcome()
}

// Committed means the record was persisted locally and queued for sync.
type Committed struct {
	Record     *dispense.Record
	Assessment risk.Assessment
}

// PendingConfirmation means nothing was persisted; the operator must
// Acknowledge or Discard the pending id.
type PendingConfirmation struct {
	ID         string
	Assessment risk.Assessment
	ExpiresAt  time.Time
}

func (*Committed) outcome()           {}
func (*PendingConfirmation) outcome() {}
