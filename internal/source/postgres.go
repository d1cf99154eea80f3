// Package source reads raw entity records from the operational database and
// the raw telemetry bucket.
package source

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jconover/medrobotics-etl/internal/etl"
)

// Queries use ? placeholders and are rebound for the driver, so the same
// SQL runs against Postgres and the SQLite fixtures used in tests.
const (
	facilitiesQuery = `
		SELECT facility_id,
		       MIN(facility_name) AS facility_name,
		       MIN(install_date) AS effective_date
		FROM surgical_robots
		WHERE facility_id IS NOT NULL
		GROUP BY facility_id
		ORDER BY facility_id`

	surgeonsQuery = `
		SELECT surgeon_id,
		       surgeon_name,
		       MIN(start_time) AS first_procedure
		FROM surgical_procedures
		WHERE surgeon_id IS NOT NULL
		GROUP BY surgeon_id, surgeon_name
		ORDER BY surgeon_id, first_procedure`

	robotsQuery = `
		SELECT r.robot_id,
		       r.robot_serial_number,
		       r.robot_model,
		       r.manufacturer,
		       r.facility_id,
		       r.install_date,
		       r.software_version,
		       r.hardware_revision,
		       r.status,
		       r.last_maintenance_date,
		       COUNT(p.procedure_id) AS total_procedures_count,
		       COALESCE(SUM(p.duration_minutes), 0) / 60.0 AS total_operating_hours,
		       r.install_date AS effective_date
		FROM surgical_robots r
		LEFT JOIN surgical_procedures p ON r.robot_id = p.robot_id
		GROUP BY r.robot_id, r.robot_serial_number, r.robot_model,
		         r.manufacturer, r.facility_id, r.install_date,
		         r.software_version, r.hardware_revision, r.status,
		         r.last_maintenance_date
		ORDER BY r.robot_id`

	proceduresQuery = `
		SELECT p.procedure_id,
		       p.robot_id,
		       p.surgeon_id,
		       r.facility_id,
		       p.start_time,
		       p.end_time,
		       p.procedure_type,
		       p.procedure_category,
		       p.patient_id,
		       p.patient_age,
		       p.patient_gender,
		       p.duration_minutes,
		       p.complexity_score,
		       o.success_status,
		       o.blood_loss_ml,
		       o.complication_level,
		       o.hospital_stay_days,
		       o.patient_satisfaction_score,
		       o.readmission_30day,
		       p.status
		FROM surgical_procedures p
		LEFT JOIN surgical_robots r ON p.robot_id = r.robot_id
		LEFT JOIN procedure_outcomes o ON p.procedure_id = o.procedure_id`
)

// Constant surgeon attributes the operational store does not track.
const (
	defaultSpecialization     = "General Surgery"
	defaultCertificationLevel = "Board Certified"
)

// Postgres reads dimension and procedure records from the operational
// database.
type Postgres struct {
	db  *sqlx.DB
	now func() time.Time
	log *zap.Logger
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, maxOpen int) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "source: open postgres")
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, etl.NewError(etl.KindSourceUnavailable, eris.Wrap(err, "source: ping postgres"))
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{
		db:  db,
		now: time.Now,
		log: zap.L().With(zap.String("component", "source.postgres")),
	}
}

// Close closes the database handle.
func (p *Postgres) Close() error { return p.db.Close() }

// Read extracts one entity. Dimensions are read in full; procedures are
// limited to start_time in [w.Start, w.End), with zero bounds left open.
func (p *Postgres) Read(ctx context.Context, entity string, w etl.Window) (*etl.Extract, error) {
	var (
		records []etl.Record
		err     error
	)
	switch entity {
	case etl.Facilities:
		records, err = p.query(ctx, facilitiesQuery)
	case etl.Surgeons:
		records, err = p.surgeons(ctx, w)
	case etl.Robots:
		records, err = p.query(ctx, robotsQuery)
	case etl.Procedures:
		records, err = p.procedures(ctx, w)
	default:
		return nil, etl.NewError(etl.KindSourceUnavailable, eris.Errorf("source: postgres has no entity %q", entity))
	}
	if err != nil {
		return nil, etl.NewError(etl.KindSourceUnavailable, eris.Wrapf(err, "source: read %s", entity))
	}
	p.log.Debug("extracted", zap.String("entity", entity), zap.Int("records", len(records)))
	return &etl.Extract{Records: records}, nil
}

func (p *Postgres) procedures(ctx context.Context, w etl.Window) ([]etl.Record, error) {
	q := proceduresQuery
	var args []any
	sep := " WHERE "
	if !w.Start.IsZero() {
		q += sep + "p.start_time >= ?"
		args = append(args, w.Start.UTC().Format(time.DateTime))
		sep = " AND "
	}
	if !w.End.IsZero() {
		q += sep + "p.start_time < ?"
		args = append(args, w.End.UTC().Format(time.DateTime))
	}
	q += " ORDER BY p.start_time, p.procedure_id"
	return p.query(ctx, q, args...)
}

// surgeons derives experience and effective date from each surgeon's
// first procedure. Experience is counted in whole years up to the window
// end, or today when the window is open.
func (p *Postgres) surgeons(ctx context.Context, w etl.Window) ([]etl.Record, error) {
	recs, err := p.query(ctx, surgeonsQuery)
	if err != nil {
		return nil, err
	}
	asOf := w.End
	if asOf.IsZero() {
		asOf = p.now()
	}
	for _, rec := range recs {
		first := rec["first_procedure"]
		delete(rec, "first_procedure")
		rec["specialization"] = defaultSpecialization
		rec["certification_level"] = defaultCertificationLevel

		t, ok := asTime(first)
		if !ok {
			rec["years_experience"] = nil
			rec["effective_date"] = nil
			continue
		}
		rec["years_experience"] = fullYears(t, asOf.UTC())
		rec["effective_date"] = t.Format(time.DateOnly)
	}
	return recs, nil
}

func (p *Postgres) query(ctx context.Context, q string, args ...any) ([]etl.Record, error) {
	rows, err := p.db.QueryxContext(ctx, p.db.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []etl.Record
	for rows.Next() {
		m := make(map[string]any)
		if err := rows.MapScan(m); err != nil {
			return nil, eris.Wrap(err, "scan row")
		}
		for k, v := range m {
			if b, ok := v.([]byte); ok {
				m[k] = string(b)
			}
		}
		out = append(out, etl.Record(m))
	}
	return out, rows.Err()
}

var sourceTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.DateOnly,
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		t, err := etl.ParseTime(x, sourceTimeLayouts)
		return t, err == nil
	}
	return time.Time{}, false
}

func fullYears(from, to time.Time) int {
	y := to.Year() - from.Year()
	if to.Month() < from.Month() || (to.Month() == from.Month() && to.Day() < from.Day()) {
		y--
	}
	return max(y, 0)
}
