package etl

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/jconover/medrobotics-etl/internal/model"
)

// Entity names.
const (
	Facilities = "facilities"
	Surgeons   = "surgeons"
	Robots     = "robots"
	Procedures = "procedures"
	Telemetry  = "telemetry"
)

// Entity describes one pipeline: what it stages and how it merges. Exactly
// one of Dimension and Fact is set.
type Entity struct {
	Name      string
	Schema    Schema
	Required  []string
	Prepare   func(Record) (Record, error)
	Dimension *DimensionSpec
	Fact      *FactSpec
	DependsOn []string
}

// IsDimension reports whether the entity merges as an SCD2 dimension.
func (e Entity) IsDimension() bool { return e.Dimension != nil }

// Catalog is the ordered set of entities. Order is dependency order.
type Catalog []Entity

// Get returns the named entity.
func (c Catalog) Get(name string) (Entity, bool) {
	for _, e := range c {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// Select returns the entities a run type executes, in dependency order.
// Full runs everything, including telemetry after procedures.
func (c Catalog) Select(t model.RunType) ([]Entity, error) {
	var names map[string]bool
	switch t {
	case model.RunTypeDimensions:
		names = map[string]bool{Facilities: true, Surgeons: true, Robots: true}
	case model.RunTypeProcedures:
		names = map[string]bool{Procedures: true}
	case model.RunTypeTelemetry:
		names = map[string]bool{Telemetry: true}
	case model.RunTypeFull:
		return c, nil
	default:
		return nil, eris.Errorf("unknown etl_type %q", t)
	}
	var out []Entity
	for _, e := range c {
		if names[e.Name] {
			out = append(out, e)
		}
	}
	return out, nil
}

func col(name string, t ValueType, sqlType string) Column {
	return Column{Name: name, Type: t, SQLType: sqlType}
}

var (
	FacilitiesSchema = Schema{Name: Facilities, Columns: []Column{
		col("facility_id", TypeString, "VARCHAR(50)"),
		col("facility_name", TypeString, "VARCHAR(200)"),
		col("effective_date", TypeDate, "DATE"),
	}}

	SurgeonsSchema = Schema{Name: Surgeons, Columns: []Column{
		col("surgeon_id", TypeString, "VARCHAR(50)"),
		col("surgeon_name", TypeString, "VARCHAR(200)"),
		col("specialization", TypeString, "VARCHAR(100)"),
		col("years_experience", TypeInt, "INTEGER"),
		col("certification_level", TypeString, "VARCHAR(50)"),
		col("effective_date", TypeDate, "DATE"),
	}}

	RobotsSchema = Schema{Name: Robots, Columns: []Column{
		col("robot_id", TypeString, "VARCHAR(50)"),
		col("robot_serial_number", TypeString, "VARCHAR(100)"),
		col("robot_model", TypeString, "VARCHAR(100)"),
		col("manufacturer", TypeString, "VARCHAR(100)"),
		col("facility_id", TypeString, "VARCHAR(50)"),
		col("install_date", TypeDate, "DATE"),
		col("software_version", TypeString, "VARCHAR(50)"),
		col("hardware_revision", TypeString, "VARCHAR(50)"),
		col("status", TypeString, "VARCHAR(50)"),
		col("last_maintenance_date", TypeDate, "DATE"),
		col("total_procedures_count", TypeInt, "INTEGER"),
		col("total_operating_hours", TypeFloat, "DECIMAL(10,2)"),
		col("effective_date", TypeDate, "DATE"),
	}}

	ProceduresSchema = Schema{Name: Procedures, Columns: []Column{
		col("procedure_id", TypeString, "VARCHAR(100)"),
		col("robot_id", TypeString, "VARCHAR(50)"),
		col("surgeon_id", TypeString, "VARCHAR(50)"),
		col("facility_id", TypeString, "VARCHAR(50)"),
		col("start_date_key", TypeInt, "INTEGER"),
		col("start_time_key", TypeInt, "INTEGER"),
		col("end_date_key", TypeInt, "INTEGER"),
		col("end_time_key", TypeInt, "INTEGER"),
		col("procedure_type", TypeString, "VARCHAR(100)"),
		col("procedure_category", TypeString, "VARCHAR(50)"),
		col("patient_id", TypeString, "VARCHAR(100)"),
		col("patient_age", TypeInt, "INTEGER"),
		col("patient_gender", TypeString, "VARCHAR(10)"),
		col("duration_minutes", TypeInt, "INTEGER"),
		col("complexity_score", TypeFloat, "DECIMAL(3,1)"),
		col("success_status", TypeString, "VARCHAR(50)"),
		col("blood_loss_ml", TypeInt, "INTEGER"),
		col("complication_level", TypeString, "VARCHAR(50)"),
		col("hospital_stay_days", TypeInt, "INTEGER"),
		col("patient_satisfaction_score", TypeFloat, "DECIMAL(3,1)"),
		col("readmission_30day", TypeBool, "BOOLEAN"),
		col("status", TypeString, "VARCHAR(50)"),
	}}

	TelemetrySchema = Schema{Name: Telemetry, Columns: []Column{
		col("procedure_id", TypeString, "VARCHAR(100)"),
		col("timestamp_key", TypeInt, "INTEGER"),
		col("sample_timestamp", TypeTimestamp, "TIMESTAMP"),
		col("arm_position_x", TypeFloat, "DECIMAL(10,4)"),
		col("arm_position_y", TypeFloat, "DECIMAL(10,4)"),
		col("arm_position_z", TypeFloat, "DECIMAL(10,4)"),
		col("arm_rotation_x", TypeFloat, "DECIMAL(10,4)"),
		col("arm_rotation_y", TypeFloat, "DECIMAL(10,4)"),
		col("arm_rotation_z", TypeFloat, "DECIMAL(10,4)"),
		col("force_feedback", TypeFloat, "DECIMAL(10,4)"),
		col("tool_type", TypeString, "VARCHAR(100)"),
		col("tool_active", TypeBool, "BOOLEAN"),
		col("camera_zoom", TypeFloat, "DECIMAL(5,2)"),
		col("lighting_level", TypeInt, "INTEGER"),
		col("system_temperature", TypeFloat, "DECIMAL(5,2)"),
		col("motor_current", TypeFloat, "DECIMAL(8,4)"),
		col("network_latency_ms", TypeInt, "INTEGER"),
		col("video_fps", TypeInt, "INTEGER"),
	}}
)

// DefaultCatalog is the warehouse's entity set in load order.
func DefaultCatalog() Catalog {
	facilityLookup := Lookup{
		Column: "facility_id", Table: "dim_facilities",
		KeyColumn: "facility_id", Surrogate: "facility_key", CurrentOnly: true,
	}

	return Catalog{
		{
			Name:     Facilities,
			Schema:   FacilitiesSchema,
			Required: []string{"facility_id"},
			Dimension: &DimensionSpec{
				Table:        "dim_facilities",
				SurrogateKey: "facility_key",
				NaturalKey:   FacilitiesSchema.Columns[0],
				Attributes:   FacilitiesSchema.Pick("facility_name"),
			},
		},
		{
			Name:     Surgeons,
			Schema:   SurgeonsSchema,
			Required: []string{"surgeon_id"},
			Dimension: &DimensionSpec{
				Table:        "dim_surgeons",
				SurrogateKey: "surgeon_key",
				NaturalKey:   SurgeonsSchema.Columns[0],
				Attributes: SurgeonsSchema.Pick("surgeon_name", "specialization",
					"years_experience", "certification_level"),
			},
		},
		{
			Name:     Robots,
			Schema:   RobotsSchema,
			Required: []string{"robot_id"},
			Dimension: &DimensionSpec{
				Table:        "dim_robots",
				SurrogateKey: "robot_key",
				NaturalKey:   RobotsSchema.Columns[0],
				Attributes:   RobotsSchema.Columns[1 : len(RobotsSchema.Columns)-1],
				Lookups:      []Lookup{facilityLookup},
			},
			DependsOn: []string{Facilities},
		},
		{
			Name:     Procedures,
			Schema:   ProceduresSchema,
			Required: []string{"procedure_id"},
			Prepare:  deriveProcedureKeys,
			Fact: &FactSpec{
				Table:      "fact_procedures",
				NaturalKey: []string{"procedure_id"},
				Columns: ProceduresSchema.Pick("procedure_id",
					"start_date_key", "start_time_key", "end_date_key", "end_time_key",
					"procedure_type", "procedure_category", "patient_id", "patient_age",
					"patient_gender", "duration_minutes", "complexity_score",
					"success_status", "blood_loss_ml", "complication_level",
					"hospital_stay_days", "patient_satisfaction_score",
					"readmission_30day", "status"),
				Lookups: []Lookup{
					{Column: "robot_id", Table: "dim_robots", KeyColumn: "robot_id", Surrogate: "robot_key", CurrentOnly: true},
					{Column: "surgeon_id", Table: "dim_surgeons", KeyColumn: "surgeon_id", Surrogate: "surgeon_key", CurrentOnly: true},
					facilityLookup,
				},
			},
			DependsOn: []string{Robots, Surgeons, Facilities},
		},
		{
			Name:     Telemetry,
			Schema:   TelemetrySchema,
			Required: []string{"procedure_id", "sample_timestamp", "timestamp_key"},
			Prepare:  FlattenTelemetry,
			Fact: &FactSpec{
				Table:      "fact_telemetry",
				NaturalKey: []string{"procedure_key", "sample_timestamp"},
				Columns:    TelemetrySchema.Columns[1:],
				Lookups: []Lookup{
					{Column: "procedure_id", Table: "fact_procedures", KeyColumn: "procedure_id", Surrogate: "procedure_key", Required: true},
				},
			},
			DependsOn: []string{Procedures},
		},
	}
}

// deriveProcedureKeys fills the date/time dimension keys from start_time
// and end_time when the source supplied raw timestamps.
func deriveProcedureKeys(rec Record) (Record, error) {
	for _, side := range []string{"start", "end"} {
		raw, ok := rec[side+"_time"]
		if !ok || raw == nil {
			continue
		}
		var t time.Time
		switch x := raw.(type) {
		case time.Time:
			t = x.UTC()
		case string:
			parsed, err := ParseTime(x, timestampLayouts)
			if err != nil {
				return nil, eris.Wrapf(err, "%s_time", side)
			}
			t = parsed
		default:
			return nil, eris.Errorf("%s_time: unexpected %T", side, raw)
		}
		rec[side+"_date_key"] = DateKey(t)
		rec[side+"_time_key"] = TimeKey(t)
	}
	return rec, nil
}
