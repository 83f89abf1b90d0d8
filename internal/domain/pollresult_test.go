package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// TestPollResult_Immutable verifies the input maps are copied.
func TestPollResult_Immutable(t *testing.T) {
	values := map[string]interface{}{"D100": int16(7)}
	errs := map[string]error{"D200": errors.New("boom")}
	r := domain.NewPollResult("PLC1", "line1", time.Now(), 5*time.Millisecond, values, errs)

	values["D100"] = int16(8)
	values["D101"] = int16(9)
	delete(errs, "D200")

	if v, _ := r.Value("D100"); v != int16(7) {
		t.Errorf("expected 7, got %v", v)
	}
	if r.ValueCount() != 1 || r.ErrorCount() != 1 || r.Len() != 2 {
		t.Errorf("expected 1 value and 1 error, got %d and %d", r.ValueCount(), r.ErrorCount())
	}
	if r.Err("D200") == nil {
		t.Error("expected D200 error to survive caller mutation")
	}

	got := r.Values()
	got["D100"] = int16(0)
	if v, _ := r.Value("D100"); v != int16(7) {
		t.Errorf("expected Values to return a copy, got %v", v)
	}
	if r.Failed() {
		t.Error("expected partial result not to be failed")
	}
}

// TestPollResult_Records verifies expansion into sorted tag records.
func TestPollResult_Records(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := domain.NewPollResult("PLC1", "line1", ts, 0,
		map[string]interface{}{"D101": int16(2), "D100": int16(1)},
		map[string]error{"D099": errors.New("timeout")},
	)

	records := r.Records()
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	wantAddr := []string{"D099", "D100", "D101"}
	for i, rec := range records {
		if rec.Address != wantAddr[i] {
			t.Errorf("record %d: expected %s, got %s", i, wantAddr[i], rec.Address)
		}
		if rec.DeviceCode != "PLC1" || rec.GroupID != "line1" || !rec.Timestamp.Equal(ts) {
			t.Errorf("record %d: unexpected identity %+v", i, rec)
		}
	}
	if records[0].Quality != domain.QualityBad || records[0].Error != "timeout" || records[0].Value != nil {
		t.Errorf("expected BAD record with error, got %+v", records[0])
	}
	if records[1].Quality != domain.QualityGood || records[1].Value != int16(1) {
		t.Errorf("expected GOOD record with value 1, got %+v", records[1])
	}

	failed := domain.NewPollResult("PLC1", "line1", ts, 0, nil, map[string]error{"D1": errors.New("x")})
	if !failed.Failed() {
		t.Error("expected result with only errors to be failed")
	}
}

// TestTagRecord_ValueString verifies text rendering of each value type.
func TestTagRecord_ValueString(t *testing.T) {
	tests := []struct {
		value interface{}
		want  string
	}{
		{nil, ""},
		{true, "true"},
		{int16(-5), "-5"},
		{int32(70000), "70000"},
		{float32(1.5), "1.5"},
		{float64(0.25), "0.25"},
	}
	for _, tt := range tests {
		if got := (domain.TagRecord{Value: tt.value}).ValueString(); got != tt.want {
			t.Errorf("ValueString(%v): expected %q, got %q", tt.value, tt.want, got)
		}
	}
}

// TestBatchResult_Fail verifies existing outcomes are kept.
func TestBatchResult_Fail(t *testing.T) {
	reqs := []domain.RegisterRequest{
		{Type: domain.RegisterD, Address: 1, DataType: domain.DataTypeInt16},
		{Type: domain.RegisterD, Address: 2, DataType: domain.DataTypeInt16},
		{Type: domain.RegisterD, Address: 3, DataType: domain.DataTypeInt16},
	}
	first := errors.New("first")
	b := domain.NewBatchResult(len(reqs))
	b.Values["D1"] = int16(1)
	b.Errors["D2"] = first

	b.Fail(reqs, errors.New("second"))

	if _, ok := b.Errors["D1"]; ok {
		t.Error("expected D1 value to be kept")
	}
	if b.Errors["D2"] != first {
		t.Errorf("expected first error on D2, got %v", b.Errors["D2"])
	}
	if b.Errors["D3"] == nil || b.Errors["D3"].Error() != "second" {
		t.Errorf("expected second error on D3, got %v", b.Errors["D3"])
	}
}
