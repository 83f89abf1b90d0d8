package domain

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Quality marks whether a TagRecord carries a value.
type Quality string

const (
	QualityGood Quality = "GOOD"
	QualityBad  Quality = "BAD"
)

// PollResult is the outcome of one polling cycle for one group.
// It is never modified after NewPollResult returns.
type PollResult struct {
	deviceCode string
	groupID    string
	timestamp  time.Time
	elapsed    time.Duration
	values     map[string]interface{}
	errors     map[string]error
}

// NewPollResult builds an immutable result. The maps are copied.
func NewPollResult(
	deviceCode, groupID string,
	timestamp time.Time,
	elapsed time.Duration,
	values map[string]interface{},
	errs map[string]error,
) *PollResult {
	r := &PollResult{
		deviceCode: deviceCode,
		groupID:    groupID,
		timestamp:  timestamp,
		elapsed:    elapsed,
		values:     make(map[string]interface{}, len(values)),
		errors:     make(map[string]error, len(errs)),
	}
	for k, v := range values {
		r.values[k] = v
	}
	for k, e := range errs {
		r.errors[k] = e
	}
	return r
}

func (r *PollResult) DeviceCode() string { return r.deviceCode }
func (r *PollResult) GroupID() string { return r.groupID }
func (r *PollResult) Timestamp() time.Time { return r.timestamp }
func (r *PollResult) Elapsed() time.Duration { return r.elapsed }
func (r *PollResult) ValueCount() int { return len(r.values) }
func (r *PollResult) ErrorCount() int { return len(r.errors) }
func (r *PollResult) Len() int { return len(r.values) + len(r.errors) }
func (r *PollResult) Failed() bool { return len(r.values) == 0 && len(r.errors) > 0 }

// Value returns the decoded value for an address.
func (r *PollResult) Value(key string) (interface{}, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Err returns the failure recorded for an address, if any.
func (r *PollResult) Err(key string) error {
	return r.errors[key]
}

// Values returns a copy of the successful reads.
func (r *PollResult) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Errors returns a copy of the failed reads.
func (r *PollResult) Errors() map[string]error {
	out := make(map[string]error, len(r.errors))
	for k, e := range r.errors {
		out[k] = e
	}
	return out
}

// Records expands the result into one TagRecord per address, sorted by address.
func (r *PollResult) Records() []TagRecord {
	records := make([]TagRecord, 0, r.Len())
	for k, v := range r.values {
		records = append(records, TagRecord{
			DeviceCode: r.deviceCode,
			GroupID:    r.groupID,
			Address:    k,
			Value:      v,
			Timestamp:  r.timestamp,
			Quality:    QualityGood,
		})
	}
	for k, e := range r.errors {
		records = append(records, TagRecord{
			DeviceCode: r.deviceCode,
			GroupID:    r.groupID,
			Address:    k,
			Timestamp:  r.timestamp,
			Quality:    QualityBad,
			Error:      e.Error(),
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Address < records[j].Address })
	return records
}

// TagRecord is one (device, address, value, timestamp, quality) tuple.
type TagRecord struct {
	DeviceCode string      `json:"device_code"`
	GroupID    string      `json:"group_id"`
	Address    string      `json:"address"`
	Value      interface{} `json:"value"`
	Timestamp  time.Time   `json:"ts"`
	Quality    Quality     `json:"quality"`
	Error      string      `json:"error,omitempty"`
}

// ValueString renders the value for text columns and backup files.
// BAD records render as an empty string.
func (t TagRecord) ValueString() string {
	switch v := t.Value.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// WriteBatch is an ordered group of records headed for one bulk insert.
type WriteBatch struct {
	Records  []TagRecord
	Attempts int
	FormedAt time.Time
}

// WriteResult reports how a bulk insert went.
type WriteResult struct {
	Inserted   int
	Duplicates int
}

// BatchResult is the outcome of one logical multi-register read.
// Values and Errors are keyed by RegisterRequest.Key.
type BatchResult struct {
	Values map[string]interface{}
	Errors map[string]error
}

// NewBatchResult allocates an empty result.
func NewBatchResult(size int) *BatchResult {
	return &BatchResult{
		Values: make(map[string]interface{}, size),
		Errors: make(map[string]error),
	}
}

// Fail records err for every listed request that has no outcome yet.
func (b *BatchResult) Fail(reqs []RegisterRequest, err error) {
	for _, r := range reqs {
		k := r.Key()
		if _, ok := b.Values[k]; ok {
			continue
		}
		if _, ok := b.Errors[k]; ok {
			continue
		}
		b.Errors[k] = err
	}
}
