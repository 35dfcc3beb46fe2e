// Package entity defines the replicated entity kinds and the reference-data
// variants pulled from the pharmacy backend.
package entity

import (
	"errors"
	"fmt"
)

// Kind tags one replicated resource type.
type Kind string

const (
	KindRole           Kind = "role"
	KindUser           Kind = "user"
	KindDrug           Kind = "drug"
	KindDoseRegimen    Kind = "dose_regimen"
	KindPrinterSetting Kind = "printer_setting"
	KindPrintTemplate  Kind = "print_template"
	KindSystemSettings Kind = "system_settings"
	KindSMTPSettings   Kind = "smtp_settings"
	KindPharmacy       Kind = "pharmacy"
	KindDispenseRecord Kind = "dispense_record"
	KindTicket         Kind = "ticket"
)

// resources maps each kind to its backend path segment under /api.
var resources = map[Kind]string{
	KindRole:           "roles",
	KindUser:           "users",
	KindDrug:           "drugs",
	KindDoseRegimen:    "dose-regimens",
	KindPrinterSetting: "printer-settings",
	KindPrintTemplate:  "templates",
	KindSystemSettings: "system-settings",
	KindSMTPSettings:   "smtp-settings",
	KindPharmacy:       "pharmacies",
	KindDispenseRecord: "dispenses",
	KindTicket:         "tickets",
}

// SyncOrder is the fixed order in which kinds are replicated. Drugs precede
// regimens so a regimen never lands before its drug on a fresh terminal.
func SyncOrder() []Kind {
	return []Kind{
		KindRole,
		KindUser,
		KindDrug,
		KindDoseRegimen,
		KindPrinterSetting,
		KindPrintTemplate,
		KindSystemSettings,
		KindSMTPSettings,
		KindPharmacy,
		KindDispenseRecord,
		KindTicket,
	}
}

// Resource returns the backend path segment for the kind.
func (k Kind) Resource() string { return resources[k] }

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := resources[k]
	return ok
}

// Transactional reports whether records of this kind are created on terminals
// and pushed upstream, as opposed to server-authoritative reference data.
func (k Kind) Transactional() bool {
	return k == KindDispenseRecord || k == KindTicket
}

func (k Kind) String() string { return string(k) }

// ParseKind parses a kind tag.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

// Entity is implemented by every replicated variant.
type Entity interface {
	EntityID() string
	Validate() error
}

// ErrMissingID is returned by Validate when the identifier is empty.
var ErrMissingID = errors.New("missing id")
