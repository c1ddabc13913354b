// Package engine is the transition service for cats, missions and targets.
// Every mutation reads the state it depends on and writes its changes inside
// one repo.RunAtomic unit, so a rejected or failed call leaves nothing behind.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"spycat/internal/breeds"
	"spycat/internal/db"
	"spycat/internal/domain"
	"spycat/internal/events"
	"spycat/internal/metrics"
	"spycat/internal/repo"
)

const defaultBreedTimeout = 5 * time.Second

type Engine struct {
	DB           *sql.DB
	Repo         repo.Repo
	Events       events.Writer
	Breeds       breeds.Validator
	BreedTimeout time.Duration
	Metrics      *metrics.Recorder
	Logger       *slog.Logger
	Now          func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, validator breeds.Validator) Engine {
	return Engine{
		DB:           conn,
		Repo:         repo.Repo{DB: conn, Dialect: dialect},
		Events:       events.Writer{Dialect: dialect},
		Breeds:       validator,
		BreedTimeout: defaultBreedTimeout,
		Now:          time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, entityKind, entityID, payload)
}

var tracer = otel.Tracer("spycat/internal/engine")

// operation ties one engine call to its span, metric sample and log line.
type operation struct {
	e     Engine
	name  string
	start time.Time
	span  trace.Span
	read  bool
	attrs []attribute.KeyValue
}

func (e Engine) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *operation) {
	ctx, span := tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
	return ctx, &operation{e: e, name: name, start: time.Now(), span: span, attrs: attrs}
}

func (e Engine) beginRead(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *operation) {
	ctx, op := e.begin(ctx, name, attrs...)
	op.read = true
	return ctx, op
}

func (o *operation) end(ctx context.Context, err error) {
	o.e.Metrics.Observe(o.name, o.start, err)
	args := []any{slog.String("op", o.name), slog.Duration("took", time.Since(o.start))}
	for _, a := range o.attrs {
		args = append(args, slog.String(string(a.Key), a.Value.Emit()))
	}
	log := o.e.logger()
	switch kind := domain.KindOf(err); {
	case err == nil:
		level := slog.LevelInfo
		if o.read {
			level = slog.LevelDebug
		}
		log.Log(ctx, level, "operation completed", args...)
	case kind == domain.KindInternal:
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, err.Error())
		log.ErrorContext(ctx, "operation failed", append(args, slog.Any("err", err))...)
	default:
		o.span.SetAttributes(attribute.String("spycat.error_kind", string(kind)))
		log.DebugContext(ctx, "operation rejected", append(args, slog.String("kind", string(kind)), slog.String("reason", err.Error()))...)
	}
	o.span.End()
}

// lookupErr turns a missing row into a NotFound naming the entity and wraps anything else.
func lookupErr(err error, entity, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFoundf("%s %s not found", entity, id)
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return fmt.Errorf("load %s %s: %w", entity, id, err)
}

// guardErr reports a lost conditional update as a Conflict with msg.
func guardErr(err error, msg string) error {
	if errors.Is(err, repo.ErrGuardFailed) {
		return domain.Conflictf("%s", msg)
	}
	return err
}

// wrapInfra leaves domain errors untouched and adds context to infrastructure failures.
func wrapInfra(err error, action string) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return fmt.Errorf("%s: %w", action, err)
}

// ListEvents returns the newest audit events first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) (evts []domain.Event, err error) {
	ctx, op := e.beginRead(ctx, "list_events")
	defer func() { op.end(ctx, err) }()
	evts, err = e.Repo.LatestEvents(ctx, f)
	return evts, wrapInfra(err, "list events")
}
