package api

import (
	"math/big"
	"time"

	"tokenhub/internal/aggregator"
	"tokenhub/internal/dashboard"
	"tokenhub/internal/presenter"
	"tokenhub/pkg/models"

	"github.com/ethereum/go-ethereum/common"
)

// bigMaxDecimals bounds decimals read from a record field.
var bigMaxDecimals = big.NewInt(77)

// FieldView is one rendered field value.
type FieldView struct {
	Kind    string `json:"kind"`
	Value   string `json:"value"`
	Display string `json:"display"`
	// Error is set when the value is a fallback.
	Error string `json:"error,omitempty"`
}

// RecordView is one rendered instance.
type RecordView struct {
	Address string               `json:"address"`
	Fields  map[string]FieldView `json:"fields"`
}

// ExclusionView explains an instance missing from the records.
type ExclusionView struct {
	Address string `json:"address"`
	Field   string `json:"field"`
	Reason  string `json:"reason"`
}

// ColumnView describes one field.
type ColumnView struct {
	Name      string `json:"name"`
	Mandatory bool   `json:"mandatory"`
}

// InputsView holds the current refresh inputs.
type InputsView struct {
	Registry string `json:"registry"`
	Account  string `json:"account,omitempty"`
}

// DashboardView is the JSON form of one dashboard.
type DashboardView struct {
	Name      string          `json:"name"`
	Registry  string          `json:"registry"`
	Inputs    InputsView      `json:"inputs"`
	Columns   []ColumnView    `json:"columns"`
	Records   []RecordView    `json:"records"`
	Excluded  []ExclusionView `json:"excluded"`
	Hidden    []string        `json:"hidden"`
	Attempted int             `json:"attempted"`
	Succeeded int             `json:"succeeded"`
	TakenAt   *time.Time      `json:"taken_at,omitempty"`
	IsLoading bool            `json:"is_loading"`
	LastError string          `json:"last_error,omitempty"`
}

// renderDashboard renders a presenter view. When sortField is set the
// visible records are ordered by it.
func renderDashboard(d *dashboard.Dashboard, view presenter.View, sortField string, desc bool) DashboardView {
	columns := d.Columns()

	records := view.Visible
	if sortField != "" {
		visible := &aggregator.Snapshot{Records: view.Visible}
		records = visible.SortedBy(sortField, desc)
	}

	out := DashboardView{
		Name:      view.Name,
		Registry:  addressOrEmpty(d.Registry()),
		Inputs:    InputsView{Registry: addressOrEmpty(view.Inputs.Registry), Account: addressOrEmpty(view.Inputs.Account)},
		Columns:   make([]ColumnView, len(columns)),
		Records:   make([]RecordView, len(records)),
		Excluded:  make([]ExclusionView, len(view.Snapshot.Excluded)),
		Hidden:    make([]string, len(view.Hidden)),
		Attempted: view.Snapshot.Attempted,
		Succeeded: view.Snapshot.Succeeded,
		IsLoading: view.IsLoading,
		LastError: view.LastError,
	}
	if !view.Snapshot.TakenAt.IsZero() {
		takenAt := view.Snapshot.TakenAt
		out.TakenAt = &takenAt
	}

	for i, c := range columns {
		out.Columns[i] = ColumnView{Name: c.Name, Mandatory: c.Mandatory}
	}
	for i, rec := range records {
		out.Records[i] = renderRecord(rec, columns)
	}
	for i, e := range view.Snapshot.Excluded {
		out.Excluded[i] = ExclusionView{Address: e.Address.Hex(), Field: e.Field, Reason: e.Reason}
	}
	for i, a := range view.Hidden {
		out.Hidden[i] = a.Hex()
	}
	return out
}

func renderRecord(rec aggregator.InstanceRecord, columns []dashboard.Column) RecordView {
	rv := RecordView{
		Address: rec.Address.Hex(),
		Fields:  make(map[string]FieldView, len(columns)),
	}
	for _, c := range columns {
		v, ok := rec.Value(c.Name)
		if !ok {
			continue
		}
		tv := models.EncodeValue(v)
		rv.Fields[c.Name] = FieldView{
			Kind:    tv.Kind,
			Value:   tv.Value,
			Display: display(rec, c, v),
			Error:   rec.Failures[c.Name],
		}
	}
	return rv
}

// display scales integer values by the column's decimals.
func display(rec aggregator.InstanceRecord, c dashboard.Column, v any) string {
	n, ok := models.AsInteger(v)
	if !ok {
		return models.FormatValue(v)
	}

	switch {
	case c.Decimals != nil:
		return models.FormatUnits(n, *c.Decimals)
	case c.DecimalsFrom != "":
		raw, ok := rec.Value(c.DecimalsFrom)
		if !ok {
			break
		}
		dec, ok := models.AsInteger(raw)
		if !ok || dec.Sign() < 0 || dec.Cmp(bigMaxDecimals) > 0 {
			break
		}
		return models.FormatUnits(n, int32(dec.Int64()))
	}
	return n.String()
}

func addressOrEmpty(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}
