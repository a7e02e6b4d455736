package executor

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// flexDecimal unmarshals a decimal from either a JSON number or a string,
// matching the broker's inconsistent field encoding.
type flexDecimal struct {
	value decimal.Decimal
	set   bool
}

func (f *flexDecimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if s == "" {
			return nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil
		}
		f.value, f.set = d, true
		return nil
	}
	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return nil
	}
	f.value, f.set = d, true
	return nil
}

// unitsField handles position.units arriving either as a scalar or as a
// {value} sub-object.
type unitsField struct {
	flexDecimal
}

func (u *unitsField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Value flexDecimal `json:"value"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil
		}
		u.flexDecimal = obj.Value
		return nil
	}
	return u.flexDecimal.UnmarshalJSON(data)
}

// realizedAmount extracts the broker-reported realized amount from a raw
// trade payload. Field precedence, first present and positive wins:
// data.entered_total, data.entered_amount, position.total.value,
// position.done_quantity * position.done_average_price, position.quantity,
// position.units.
func realizedAmount(raw json.RawMessage) (decimal.Decimal, bool) {
	if len(raw) == 0 {
		return decimal.Zero, false
	}

	var payload struct {
		Data struct {
			EnteredTotal  flexDecimal `json:"entered_total"`
			EnteredAmount flexDecimal `json:"entered_amount"`
		} `json:"data"`
		Position struct {
			Total struct {
				Value flexDecimal `json:"value"`
			} `json:"total"`
			DoneQuantity     flexDecimal `json:"done_quantity"`
			DoneAveragePrice flexDecimal `json:"done_average_price"`
			Quantity         flexDecimal `json:"quantity"`
			Units            unitsField  `json:"units"`
		} `json:"position"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return decimal.Zero, false
	}

	if payload.Data.EnteredTotal.set && payload.Data.EnteredTotal.value.IsPositive() {
		return payload.Data.EnteredTotal.value, true
	}
	if payload.Data.EnteredAmount.set && payload.Data.EnteredAmount.value.IsPositive() {
		return payload.Data.EnteredAmount.value, true
	}
	if payload.Position.Total.Value.set && payload.Position.Total.Value.value.IsPositive() {
		return payload.Position.Total.Value.value, true
	}
	if payload.Position.DoneQuantity.set && payload.Position.DoneAveragePrice.set {
		v := payload.Position.DoneQuantity.value.Mul(payload.Position.DoneAveragePrice.value)
		if v.IsPositive() {
			return v, true
		}
	}
	if payload.Position.Quantity.set && payload.Position.Quantity.value.IsPositive() {
		return payload.Position.Quantity.value, true
	}
	if payload.Position.Units.set && payload.Position.Units.value.IsPositive() {
		return payload.Position.Units.value, true
	}
	return decimal.Zero, false
}
