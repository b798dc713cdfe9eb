package driverapi

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"tomato/internal/payload"
)

// Type is the declared value type of an attribute.
type Type string

const (
	TypeBool   Type = "bool"
	TypeInt    Type = "int"
	TypeFloat  Type = "float"
	TypeString Type = "string"
)

// Attr describes one component attribute.
type Attr struct {
	Type    Type     `json:"type"`
	RW      bool     `json:"rw"`
	Status  bool     `json:"status"`
	Units   string   `json:"units,omitempty"`
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`
	Options []any    `json:"options,omitempty"`
}

// Bound is a helper for Attr.Minimum and Attr.Maximum literals.
func Bound(v float64) *float64 { return &v }

// Coerce converts value to the attribute type.
func Coerce(attr Attr, value any) (any, error) {
	if value == nil {
		return nil, Validationf("value cannot be null")
	}
	switch attr.Type {
	case TypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, Validationf("could not coerce %q to bool", v)
			}
			return b, nil
		}
	case TypeInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case int32:
			return int64(v), nil
		case uint64:
			if v > math.MaxInt64 {
				break
			}
			return int64(v), nil
		case float64:
			if v == math.Trunc(v) && v >= math.MinInt64 && v < math.MaxInt64 {
				return int64(v), nil
			}
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return i, nil
			}
		}
	case TypeFloat:
		var f float64
		switch v := value.(type) {
		case float64:
			f = v
		case float32:
			f = float64(v)
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case int32:
			f = float64(v)
		case uint64:
			f = float64(v)
		case string:
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, Validationf("could not coerce %q to float", v)
			}
			f = parsed
		default:
			return nil, Validationf("could not coerce %v to float", value)
		}
		// NaN and infinities slip past every bound comparison.
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, Validationf("value %v is not a finite number", value)
		}
		return f, nil
	case TypeString:
		switch v := value.(type) {
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		default:
			return fmt.Sprint(v), nil
		}
	default:
		return nil, Validationf("unsupported attribute type %q", attr.Type)
	}
	return nil, Validationf("could not coerce %v to %s", value, attr.Type)
}

// ValidateSet checks that value may be written to attribute name and returns
// the coerced value.
func ValidateSet(attrs map[string]Attr, name string, value any) (any, error) {
	attr, ok := attrs[name]
	if !ok {
		return nil, Validationf("unknown attr %q", name)
	}
	if !attr.RW {
		return nil, Validationf("attr %q is read-only", name)
	}
	if value == nil {
		return nil, Validationf("value of attr %q cannot be null", name)
	}
	coerced, err := Coerce(attr, value)
	if err != nil {
		return nil, fmt.Errorf("attr %q: %w", name, err)
	}
	if len(attr.Options) > 0 && !inOptions(attr, coerced) {
		return nil, Validationf("value %v of attr %q is not among allowed options %v", coerced, name, attr.Options)
	}
	if num, ok := numeric(coerced); ok {
		if attr.Minimum != nil && num < *attr.Minimum {
			return nil, Validationf("value %v of attr %q is smaller than %v", coerced, name, *attr.Minimum)
		}
		if attr.Maximum != nil && num > *attr.Maximum {
			return nil, Validationf("value %v of attr %q is greater than %v", coerced, name, *attr.Maximum)
		}
	}
	return coerced, nil
}

// ValidateTask checks a task against the component's capabilities and
// attributes. Every technique parameter must be a valid attribute write.
func ValidateTask(dev Device, task payload.Task) error {
	if !HasCapability(dev, task.TechniqueName) {
		return Validationf("unknown technique %q requested", task.TechniqueName)
	}
	attrs := dev.Attrs()
	for name, value := range task.TechniqueParams {
		if _, err := ValidateSet(attrs, name, value); err != nil {
			return err
		}
	}
	return nil
}

// HasCapability reports whether technique is among the device capabilities.
func HasCapability(dev Device, technique string) bool {
	for _, c := range dev.Capabilities() {
		if c == technique {
			return true
		}
	}
	return false
}

func inOptions(attr Attr, value any) bool {
	for _, opt := range attr.Options {
		coerced, err := Coerce(attr, opt)
		if err != nil {
			continue
		}
		if coerced == value {
			return true
		}
	}
	return false
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
