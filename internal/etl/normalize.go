package etl

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

var (
	dateLayouts = []string{
		time.DateOnly,
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
	}
	timestampLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05.999999999-07",
		"2006-01-02 15:04:05.999999999-07:00",
		time.DateOnly,
	}
)

// Normalize converts a raw source value into the canonical staged text for
// col, or nil for NULL. Values that cannot be represented in the column
// type, or that would corrupt the staging blob, return an error.
func Normalize(v any, col Column, f Format) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if s, ok := v.(string); ok && col.Type != TypeString {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		v = s
	}

	var (
		out string
		err error
	)
	switch col.Type {
	case TypeString:
		out, err = toString(v, f)
	case TypeInt:
		out, err = toInt(v)
	case TypeFloat:
		out, err = toFloat(v)
	case TypeBool:
		out, err = toBool(v)
	case TypeDate:
		out, err = toTime(v, dateLayouts, f.DateLayout)
	case TypeTimestamp:
		out, err = toTime(v, timestampLayouts, f.TimestampLayout)
	default:
		err = eris.Errorf("unknown column type %d", col.Type)
	}
	if err != nil {
		return nil, eris.Wrap(err, col.Name)
	}

	if out == f.NullToken {
		return nil, nil
	}
	if strings.ContainsRune(out, f.Delimiter) || strings.ContainsAny(out, "\r\n") {
		return nil, eris.Errorf("%s: value contains the delimiter or a line break", col.Name)
	}
	return out, nil
}

func toString(v any, f Format) (string, error) {
	switch x := v.(type) {
	case string:
		return norm.NFC.String(x), nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.UTC().Format(f.TimestampLayout), nil
	case fmt.Stringer:
		return norm.NFC.String(x.String()), nil
	}
	if s, ok := numberText(v); ok {
		return s, nil
	}
	return "", eris.Errorf("unsupported string value %T", v)
}

func toInt(v any) (string, error) {
	switch x := v.(type) {
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return integral(float64(x))
	case float64:
		return integral(x)
	case json.Number:
		return intText(x.String())
	case string:
		return intText(x)
	}
	return "", eris.Errorf("expected integer, got %T", v)
}

func intText(s string) (string, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(n, 10), nil
	}
	fv, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", eris.Errorf("expected integer, got %q", s)
	}
	return integral(fv)
}

func integral(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return "", eris.Errorf("expected integer, got %v", f)
	}
	return strconv.FormatInt(int64(f), 10), nil
}

func toFloat(v any) (string, error) {
	switch x := v.(type) {
	case float32:
		return floatText(float64(x))
	case float64:
		return floatText(x)
	case json.Number:
		return decimalText(x.String())
	case string:
		return decimalText(x)
	}
	if s, ok := numberText(v); ok {
		return s, nil
	}
	return "", eris.Errorf("expected number, got %T", v)
}

// decimalText keeps the source's own digits unless it used an exponent,
// so NUMERIC values keep their scale.
func decimalText(s string) (string, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return "", eris.Errorf("expected number, got %q", s)
	}
	if strings.ContainsAny(s, "eE") || strings.HasPrefix(s, "+") {
		return floatText(f)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", eris.Errorf("expected finite number, got %q", s)
	}
	return s, nil
}

func floatText(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", eris.Errorf("expected finite number, got %v", f)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

func toBool(v any) (string, error) {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x), nil
	case json.Number:
		return boolText(x.String())
	case string:
		return boolText(x)
	}
	if s, ok := numberText(v); ok {
		return boolText(s)
	}
	return "", eris.Errorf("expected boolean, got %T", v)
}

func boolText(s string) (string, error) {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "1":
		return "true", nil
	case "false", "f", "no", "n", "0":
		return "false", nil
	}
	return "", eris.Errorf("expected boolean, got %q", s)
}

func toTime(v any, layouts []string, out string) (string, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(out), nil
	case string:
		t, err := ParseTime(x, layouts)
		if err != nil {
			return "", err
		}
		return t.Format(out), nil
	}
	return "", eris.Errorf("expected date/time, got %T", v)
}

// ParseTime tries each layout in turn. Values without an offset are UTC;
// values with one are converted to UTC.
func ParseTime(s string, layouts []string) (time.Time, error) {
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("unrecognized date/time %q", s)
}

func numberText(v any) (string, bool) {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(x), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	}
	return "", false
}

// Canonical renders any scanned value as the text used for change detection
// and key matching.
func Canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		u := x.UTC()
		if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 && u.Nanosecond() == 0 {
			return u.Format(time.DateOnly)
		}
		return u.Format(time.DateTime)
	}
	if s, ok := numberText(v); ok {
		return s
	}
	return fmt.Sprint(v)
}
