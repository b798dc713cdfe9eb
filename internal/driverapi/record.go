package driverapi

import (
	"encoding/json"
	"errors"
	"time"
)

// Record is one timestamped measurement. It encodes as a flat JSON object with
// a "uts" key holding the Unix timestamp in seconds.
type Record struct {
	UTS    float64
	Values map[string]any
}

// NewRecord stamps values with t.
func NewRecord(t time.Time, values map[string]any) Record {
	return Record{UTS: UnixSeconds(t), Values: values}
}

// UnixSeconds converts t to fractional Unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func (r Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Values)+1)
	for k, v := range r.Values {
		flat[k] = v
	}
	flat["uts"] = r.UTS
	return json.Marshal(flat)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	uts, ok := flat["uts"].(float64)
	if !ok {
		return errors.New("record: missing uts")
	}
	delete(flat, "uts")
	r.UTS = uts
	r.Values = flat
	return nil
}
