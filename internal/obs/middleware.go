package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const unmatchedRoute = "unmatched"

// HTTP instruments each request with an optional server span, the request
// metrics and one access log line. Handlers find a request scoped logger
// with zerolog.Ctx; fields added to it with UpdateContext show up in the
// access line.
type HTTP struct {
	Metrics *HTTPMetrics
	Logger  zerolog.Logger
	Tracing bool
}

func (h HTTP) Middleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("checkout/http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		var span trace.Span
		if h.Tracing {
			ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))
			ctx, span = tracer.Start(ctx, r.Method, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
		}

		lc := h.Logger.With().Str("request_id", middleware.GetReqID(ctx))
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			lc = lc.Str("trace_id", sc.TraceID().String()).Str("span_id", sc.SpanID().String())
		}
		ctx = lc.Logger().WithContext(ctx)

		if h.Metrics != nil {
			h.Metrics.InFlight.Inc()
			defer h.Metrics.InFlight.Dec()
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeOf(r)
		elapsed := time.Since(start)

		if h.Metrics != nil {
			h.Metrics.Requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			h.Metrics.Duration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
			h.Metrics.ResponseSize.WithLabelValues(route).Observe(float64(ww.BytesWritten()))
		}
		if span != nil {
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
				attribute.Int("http.response.status_code", status),
			)
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
		}

		logger := zerolog.Ctx(ctx)
		evt := logger.Info()
		switch {
		case status >= http.StatusInternalServerError:
			evt = logger.Error()
		case status >= http.StatusBadRequest:
			evt = logger.Warn()
		}
		evt.Str("method", r.Method).
			Str("route", route).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", elapsed).
			Int("bytes", ww.BytesWritten()).
			Str("remote_addr", r.RemoteAddr).
			Msg("http_request")
	})
}

// routeOf reads the matched chi pattern. Chi fills it while routing, so it
// is only complete once the handler has returned.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}
