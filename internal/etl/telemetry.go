package etl

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// telemetryGroups maps nested telemetry objects to the flat columns they
// populate. When a group is absent the flat column name is read instead.
var telemetryGroups = []struct {
	group  string
	fields map[string]string
}{
	{"arm_position", map[string]string{"x": "arm_position_x", "y": "arm_position_y", "z": "arm_position_z"}},
	{"arm_rotation", map[string]string{"x": "arm_rotation_x", "y": "arm_rotation_y", "z": "arm_rotation_z"}},
	{"system_metrics", map[string]string{
		"temperature":        "system_temperature",
		"motor_current":      "motor_current",
		"network_latency_ms": "network_latency_ms",
		"video_fps":          "video_fps",
	}},
}

var telemetryScalars = []string{"force_feedback", "tool_type", "tool_active", "camera_zoom", "lighting_level"}

var (
	errMissingProcedure = eris.New("procedure_id is required")
	errMissingTimestamp = eris.New("timestamp is required")
)

// FlattenTelemetry turns one nested telemetry sample into a flat record
// keyed by the telemetry staging columns. It derives sample_timestamp and
// timestamp_key from the sample's timestamp.
func FlattenTelemetry(rec Record) (Record, error) {
	out := make(Record, len(TelemetrySchema.Columns))

	pid, ok := rec["procedure_id"]
	if !ok || pid == nil || pid == "" {
		return nil, errMissingProcedure
	}
	out["procedure_id"] = pid

	ts, err := telemetryTime(rec["timestamp"])
	if err != nil {
		return nil, err
	}
	out["sample_timestamp"] = ts
	out["timestamp_key"] = TimeKey(ts)

	for _, g := range telemetryGroups {
		raw, present := rec[g.group]
		if !present || raw == nil {
			for _, col := range g.fields {
				out[col] = rec[col]
			}
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, eris.Errorf("%s: expected object, got %T", g.group, raw)
		}
		for key, col := range g.fields {
			out[col] = obj[key]
		}
	}
	for _, k := range telemetryScalars {
		out[k] = rec[k]
	}
	return out, nil
}

func telemetryTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, errMissingTimestamp
	case time.Time:
		return x.UTC(), nil
	case string:
		if x == "" {
			return time.Time{}, errMissingTimestamp
		}
		t, err := ParseTime(x, timestampLayouts[:5])
		if err != nil {
			return time.Time{}, eris.Wrap(err, "timestamp")
		}
		return t, nil
	case json.Number:
		return time.Time{}, eris.Errorf("timestamp: expected string, got number %s", x)
	}
	return time.Time{}, eris.Errorf("timestamp: expected string, got %T", v)
}

// TimeKey is the hour/minute key used by the time dimension: HHMM00.
func TimeKey(t time.Time) int {
	t = t.UTC()
	return t.Hour()*10000 + t.Minute()*100
}

// DateKey is the YYYYMMDD key used by the date dimension.
func DateKey(t time.Time) int {
	t = t.UTC()
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}
