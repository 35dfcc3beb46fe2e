package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// DoseExpr is a dose amount as written in a regimen: "500 mg", "5 mg/kg" or a
// bare number. The backend sends either a JSON string or a JSON number.
type DoseExpr string

func (d *DoseExpr) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = DoseExpr(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("dose expression: %w", err)
	}
	*d = DoseExpr(strconv.FormatFloat(f, 'f', -1, 64))
	return nil
}

func (d DoseExpr) String() string { return string(d) }
