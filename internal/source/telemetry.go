package source

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jconover/medrobotics-etl/internal/etl"
	"github.com/jconover/medrobotics-etl/internal/resilience"
)

// TelemetryOptions tunes the telemetry reader.
type TelemetryOptions struct {
	// Prefix is listed when the run window carries none.
	Prefix string
	// MaxFiles caps the files read per run.
	MaxFiles int
	// ReadsPerSec limits object reads. Zero means unlimited.
	ReadsPerSec float64
	Retry       resilience.RetryConfig
}

// Telemetry reads raw robot telemetry samples from JSON files in an object
// store. Each file holds one sample object or an array of them.
type Telemetry struct {
	store   etl.ObjectStore
	opts    TelemetryOptions
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewTelemetry creates a telemetry reader over store.
func NewTelemetry(store etl.ObjectStore, opts TelemetryOptions) *Telemetry {
	if opts.Prefix == "" {
		opts.Prefix = "telemetry/"
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 100
	}
	limit := rate.Inf
	if opts.ReadsPerSec > 0 {
		limit = rate.Limit(opts.ReadsPerSec)
	}
	opts.Retry.OnRetry = resilience.RetryLogger("source.telemetry", "get_object")
	return &Telemetry{
		store:   store,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		log:     zap.L().With(zap.String("component", "source.telemetry")),
	}
}

// Read lists the prefix, keeps the first MaxFiles .json objects in key
// order and decodes them. Unreadable or undecodable files are skipped and
// counted; only a failed listing fails the read.
func (t *Telemetry) Read(ctx context.Context, entity string, w etl.Window) (*etl.Extract, error) {
	if entity != etl.Telemetry {
		return nil, etl.NewError(etl.KindSourceUnavailable, eris.Errorf("source: telemetry reader has no entity %q", entity))
	}
	prefix := w.Prefix
	if prefix == "" {
		prefix = t.opts.Prefix
	}

	refs, err := t.store.List(ctx, prefix)
	if err != nil {
		return nil, etl.NewError(etl.KindSourceUnavailable, eris.Wrapf(err, "source: list %s", prefix))
	}
	var files []string
	for _, ref := range refs {
		if strings.HasSuffix(ref, ".json") {
			files = append(files, ref)
		}
	}
	if len(files) > t.opts.MaxFiles {
		t.log.Info("file limit reached, remaining files wait for the next run",
			zap.Int("found", len(files)), zap.Int("max_files", t.opts.MaxFiles))
		files = files[:t.opts.MaxFiles]
	}

	ext := &etl.Extract{}
	for _, ref := range files {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, etl.NewError(etl.KindSourceUnavailable, eris.Wrap(err, "source: telemetry read"))
		}
		data, err := resilience.DoVal(ctx, t.opts.Retry, func(ctx context.Context) ([]byte, error) {
			return t.store.Get(ctx, ref)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, etl.NewError(etl.KindSourceUnavailable, ctx.Err())
			}
			ext.FilesSkipped++
			t.log.Warn("skipping unreadable file", zap.String("ref", ref), zap.Error(err))
			continue
		}
		samples, err := DecodeSamples(data)
		if err != nil {
			ext.FilesSkipped++
			t.log.Warn("skipping undecodable file", zap.String("ref", ref), zap.Error(err))
			continue
		}
		ext.Records = append(ext.Records, samples...)
	}

	t.log.Info("telemetry extracted",
		zap.String("prefix", prefix),
		zap.Int("files", len(files)),
		zap.Int("files_skipped", ext.FilesSkipped),
		zap.Int("samples", len(ext.Records)),
	)
	return ext, nil
}

// DecodeSamples decodes a JSON object or an array of objects. Numbers are
// kept as json.Number so decimal digits survive to staging.
func DecodeSamples(data []byte) ([]etl.Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, eris.New("empty file")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var out []etl.Record
	switch trimmed[0] {
	case '{':
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, eris.Wrap(err, "decode object")
		}
		out = []etl.Record{obj}
	case '[':
		var arr []map[string]any
		if err := dec.Decode(&arr); err != nil {
			return nil, eris.Wrap(err, "decode array")
		}
		// A null entry stays in the batch as an empty record so the
		// transformer rejects and counts it.
		out = make([]etl.Record, 0, len(arr))
		for _, obj := range arr {
			if obj == nil {
				obj = map[string]any{}
			}
			out = append(out, obj)
		}
	default:
		return nil, eris.Errorf("expected JSON object or array, got %q", trimmed[0])
	}

	if _, err := dec.Token(); err != io.EOF {
		return nil, eris.New("trailing data after JSON value")
	}
	return out, nil
}
