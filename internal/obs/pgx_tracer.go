package obs

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxStatementLen = 512

type queryKey struct{}

type queryStart struct {
	at  time.Time
	sql string
}

// PGXTracer opens a client span per statement and logs statements slower
// than SlowQuery. A zero SlowQuery disables the log.
type PGXTracer struct {
	SlowQuery time.Duration
	Logger    zerolog.Logger
}

func (t PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	op := operation(data.SQL)
	ctx, _ = otel.Tracer("checkout/pgx").Start(ctx, "db "+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation.name", op),
			attribute.String("db.query.text", clip(data.SQL)),
		))
	return context.WithValue(ctx, queryKey{}, queryStart{at: time.Now(), sql: data.SQL})
}

func (t PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	defer span.End()
	span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	if data.Err != nil && data.Err != pgx.ErrNoRows {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	}
	q, ok := ctx.Value(queryKey{}).(queryStart)
	if !ok || t.SlowQuery <= 0 {
		return
	}
	if took := time.Since(q.at); took >= t.SlowQuery {
		t.Logger.Warn().
			Str("operation", operation(q.sql)).
			Str("statement", clip(q.sql)).
			Dur("duration", took).
			Msg("slow_query")
	}
}

func operation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "UNKNOWN"
	}
	return strings.ToUpper(fields[0])
}

func clip(sql string) string {
	s := strings.Join(strings.Fields(sql), " ")
	if len(s) > maxStatementLen {
		return s[:maxStatementLen] + "..."
	}
	return s
}
