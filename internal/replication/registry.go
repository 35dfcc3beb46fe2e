package replication

import (
	"fmt"

	"github.com/drfirst/go-pod/internal/domain/dispense"
	"github.com/drfirst/go-pod/internal/domain/entity"
)

// NewPuller returns the typed client for kind.
func NewPuller(kind entity.Kind, opts ...ClientOption) (Puller, error) {
	switch kind {
	case entity.KindRole:
		return NewClient[entity.Role](kind, opts...), nil
	case entity.KindUser:
		return NewClient[entity.User](kind, opts...), nil
	case entity.KindDrug:
		return NewClient[entity.Drug](kind, opts...), nil
	case entity.KindDoseRegimen:
		return NewClient[entity.DoseRegimen](kind, opts...), nil
	case entity.KindPrinterSetting:
		return NewClient[entity.PrinterSetting](kind, opts...), nil
	case entity.KindPrintTemplate:
		return NewClient[entity.PrintTemplate](kind, opts...), nil
	case entity.KindSystemSettings:
		return NewClient[entity.SystemSettings](kind, opts...), nil
	case entity.KindSMTPSettings:
		return NewClient[entity.SMTPSettings](kind, opts...), nil
	case entity.KindPharmacy:
		return NewClient[entity.Pharmacy](kind, opts...), nil
	case entity.KindDispenseRecord:
		return NewClient[dispense.Record](kind, opts...), nil
	case entity.KindTicket:
		return NewClient[dispense.Ticket](kind, opts...), nil
	}
	return nil, fmt.Errorf("no client for kind %q", kind)
}

// NewPullers builds one client per kind, in the given order. optsFor may be
// nil; otherwise it supplies per-kind options such as a dedicated breaker.
func NewPullers(kinds []entity.Kind, optsFor func(entity.Kind) ([]ClientOption, error)) ([]Puller, error) {
	pullers := make([]Puller, 0, len(kinds))
	for _, k := range kinds {
		var opts []ClientOption
		if optsFor != nil {
			o, err := optsFor(k)
			if err != nil {
				return nil, fmt.Errorf("options for %s: %w", k, err)
			}
			opts = o
		}
		p, err := NewPuller(k, opts...)
		if err != nil {
			return nil, err
		}
		pullers = append(pullers, p)
	}
	return pullers, nil
}
