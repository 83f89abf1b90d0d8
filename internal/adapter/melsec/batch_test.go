package melsec_test

import (
	"testing"

	"github.com/nexus-edge/plc-acquisition/internal/adapter/melsec"
	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// TestPlanSpans tests grouping by type and gap merging.
func TestPlanSpans(t *testing.T) {
	reqs := []domain.RegisterRequest{
		wordReq(domain.RegisterD, 110, domain.DataTypeFloat),
		wordReq(domain.RegisterD, 100, domain.DataTypeInt16),
		wordReq(domain.RegisterD, 200, domain.DataTypeInt16),
		wordReq(domain.RegisterM, 5, domain.DataTypeBool),
		wordReq(domain.RegisterM, 0, domain.DataTypeBool),
		{Type: domain.RegisterD, Address: 100, DataType: domain.DataTypeBool, Bit: bitPtr(4)},
	}

	spans := melsec.PlanSpans(reqs, 10)

	want := []struct {
		typ        domain.RegisterType
		start, cnt int
		reqs       int
	}{
		{domain.RegisterD, 100, 12, 3},
		{domain.RegisterD, 200, 1, 1},
		{domain.RegisterM, 0, 6, 2},
	}
	if len(spans) != len(want) {
		t.Fatalf("expected %d spans, got %d: %+v", len(want), len(spans), spans)
	}
	for i, w := range want {
		s := spans[i]
		if s.Type != w.typ || s.Start != w.start || s.Count != w.cnt || len(s.Requests) != w.reqs {
			t.Errorf("span %d: expected %s start=%d count=%d reqs=%d, got %s start=%d count=%d reqs=%d",
				i, w.typ, w.start, w.cnt, w.reqs, s.Type, s.Start, s.Count, len(s.Requests))
		}
	}
}

// TestPlanSpans_NoGap verifies a zero gap only merges adjacent addresses.
func TestPlanSpans_NoGap(t *testing.T) {
	reqs := []domain.RegisterRequest{
		wordReq(domain.RegisterD, 0, domain.DataTypeInt16),
		wordReq(domain.RegisterD, 1, domain.DataTypeInt16),
		wordReq(domain.RegisterD, 3, domain.DataTypeInt16),
	}
	spans := melsec.PlanSpans(reqs, 0)
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Count != 2 || spans[1].Start != 3 {
		t.Errorf("unexpected spans %+v", spans)
	}
}

// TestPlanSpans_Limit verifies spans never exceed the protocol maximum.
func TestPlanSpans_Limit(t *testing.T) {
	reqs := []domain.RegisterRequest{
		{Type: domain.RegisterD, Address: 0, Count: 1500, DataType: domain.DataTypeInt16},
	}
	spans := melsec.PlanSpans(reqs, 10)
	total := 0
	for _, s := range spans {
		if s.Count > melsec.MaxWordPoints {
			t.Errorf("span %s exceeds limit", s.Key())
		}
		total += len(s.Requests)
	}
	if total != 1500 {
		t.Errorf("expected 1500 elements covered, got %d", total)
	}
}
