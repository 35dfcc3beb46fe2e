package dispense

import (
	"errors"
	"fmt"
	"time"
)

// Ticket statuses and categories follow the backend vocabulary.
const (
	TicketStatusOpen     = "open"
	TicketCategoryUrgent = "urgent"
)

// Ticket is a supervisory follow-up opened for a high-risk dispense.
type Ticket struct {
	ID               string `json:"id"`
	TicketNumber     string `json:"ticketNumber"`
	UserID           string `json:"userId"`
	UserName         string `json:"userName,omitempty"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	Category         string `json:"category"`
	Priority         string `json:"priority"`
	Status           string `json:"status"`
	DispenseRecordID string `json:"dispenseRecordId"`
	RiskAssessmentID string `json:"riskAssessmentId"`
	RiskScore        int    `json:"riskScore"`
	RiskCategory     string `json:"riskCategory"`
	CreatedAt        int64  `json:"createdAt"`
	UpdatedAt        int64  `json:"updatedAt"`
	Synced           bool   `json:"synced"`
	DeviceID         string `json:"deviceId,omitempty"`
}

func (t *Ticket) EntityID() string { return t.ID }

func (t *Ticket) Validate() error {
	if t.ID == "" {
		return errors.New("missing id")
	}
	return nil
}

// NewRiskTicket opens a review ticket for a record carrying an acknowledged
// high-risk assessment.
func NewRiskTicket(id string, now time.Time, rec *Record) (*Ticket, error) {
	if rec.RiskAssessment == nil {
		return nil, fmt.Errorf("record %s has no risk assessment", rec.ID)
	}
	risk := rec.RiskAssessment
	ms := now.UnixMilli()
	return &Ticket{
		ID:               id,
		TicketNumber:     fmt.Sprintf("RISK-%d", ms),
		UserID:           rec.PharmacistID,
		UserName:         rec.PharmacistName,
		Title:            fmt.Sprintf("High-risk dispense: %s", rec.DrugName),
		Description:      fmt.Sprintf("Risk score %d (%s) acknowledged by %s. Flags: %v", risk.Score, risk.Category, risk.AcknowledgedBy, risk.Flags),
		Category:         TicketCategoryUrgent,
		Priority:         risk.Category,
		Status:           TicketStatusOpen,
		DispenseRecordID: rec.ID,
		RiskAssessmentID: risk.ID,
		RiskScore:        risk.Score,
		RiskCategory:     risk.Category,
		CreatedAt:        ms,
		UpdatedAt:        ms,
		DeviceID:         rec.DeviceID,
	}, nil
}
