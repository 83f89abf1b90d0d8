package melsec

import (
	"sort"

	"github.com/nexus-edge/plc-acquisition/internal/domain"
)

// DefaultMaxGap is the largest run of unrequested points merged into a span.
const DefaultMaxGap = 10

// PlanSpans groups requests into as few wire reads as possible. Requests of
// one register type are sorted by address and merged while the gap between
// them stays within maxGap and the span stays within the protocol limit.
// Requests with Count > 1 are expanded first; the result covers every element.
func PlanSpans(reqs []domain.RegisterRequest, maxGap int) []Span {
	if maxGap < 0 {
		maxGap = 0
	}

	byType := make(map[domain.RegisterType][]domain.RegisterRequest)
	var types []domain.RegisterType
	for _, r := range reqs {
		for _, e := range r.Elements() {
			if _, ok := byType[e.Type]; !ok {
				types = append(types, e.Type)
			}
			byType[e.Type] = append(byType[e.Type], e)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var spans []Span
	for _, t := range types {
		group := byType[t]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Address < group[j].Address })

		limit := maxPoints(WidthOf(t))
		var cur *Span
		for _, r := range group {
			end := r.Address + r.Points()
			if cur != nil && r.Address-cur.End() <= maxGap && maxInt(end, cur.End())-cur.Start <= limit {
				if end > cur.End() {
					cur.Count = end - cur.Start
				}
				cur.Requests = append(cur.Requests, r)
				continue
			}
			if cur != nil {
				spans = append(spans, *cur)
			}
			cur = &Span{Type: t, Start: r.Address, Count: r.Points(), Requests: []domain.RegisterRequest{r}}
		}
		if cur != nil {
			spans = append(spans, *cur)
		}
	}
	return spans
}

// slice returns the raw points belonging to one request of the span.
func (s Span) slice(values []uint16, r domain.RegisterRequest) []uint16 {
	from := r.Address - s.Start
	return values[from : from+r.Points()]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
