package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "taskboard/api"
	observabilityEvent  = "observability.event"
	requestEventName    = "http.request.metrics"
	requestEventDomain  = "taskboard.api"
	metricsKey          = "requestMetrics"
	attrTotalMillis     = "taskboard.request.total_ms"
	attrHandlerMillis   = "taskboard.request.handler_ms"
	attrErrorStage      = "taskboard.request.error_stage"
	attrUserIDProvided  = "taskboard.request.authenticated"
	severityInfoNumber  = 9
	severityWarnNumber  = 13
	severityErrorNumber = 17
)

type requestMetrics struct {
	logger     *log.Logger
	span       trace.Span
	start      time.Time
	method     string
	route      string
	handler    time.Duration
	errorStage string
	userID     string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*requestMetrics, context.Context) {
	m := &requestMetrics{logger: logger, start: time.Now(), method: method, route: route}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", route),
		))
	m.span = span
	return m, spanCtx
}

func (m *requestMetrics) ObserveHandler(d time.Duration) {
	if d > 0 {
		m.handler = d
	}
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" && m.errorStage == "" {
		m.errorStage = stage
	}
}

func (m *requestMetrics) SetUserID(id string) {
	m.userID = id
}

// Log emits the request summary as a structured log entry and a span event,
// then ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severity, number := severityForStatus(status, err)
	total := durationToMillis(time.Since(m.start))

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.String("http.method", m.method),
		attribute.Int("http.status_code", status),
		attribute.Float64(attrTotalMillis, total),
		attribute.Bool(attrUserIDProvided, m.userID != ""),
	}
	fields := map[string]any{
		"http.route":       m.route,
		"http.method":      m.method,
		"http.status_code": status,
		attrTotalMillis:    total,
		attrUserIDProvided: m.userID != "",
	}
	if m.handler > 0 {
		ms := durationToMillis(m.handler)
		attrs = append(attrs, attribute.Float64(attrHandlerMillis, ms))
		fields[attrHandlerMillis] = ms
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String(attrErrorStage, m.errorStage))
		fields[attrErrorStage] = m.errorStage
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
		fields["error.message"] = err.Error()
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", requestEventName),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", severity),
			attribute.Int("severity_number", number),
		}, attrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	entry := m.logger.WithFields(log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   severity,
		"severity_number": number,
		"attributes":      fields,
	})
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.IsValid() {
			entry = entry.WithFields(log.Fields{
				"trace_id": sc.TraceID().String(),
				"span_id":  sc.SpanID().String(),
			})
		}
	}
	switch number {
	case severityErrorNumber:
		entry.Error(observabilityEvent)
	case severityWarnNumber:
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError:
		return "ERROR", severityErrorNumber
	case status >= http.StatusBadRequest:
		return "WARN", severityWarnNumber
	case status == 0 && err != nil:
		return "ERROR", severityErrorNumber
	}
	return "INFO", severityInfoNumber
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// RequestMetrics wraps every request in a span and logs one metrics entry
// once the handler returns.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			m, ctx := newRequestMetrics(req.Context(), logger, req.Method, route)
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsKey, m)
			defer func() {
				status := c.Response().Status
				if err != nil {
					status = statusFor(err)
				}
				m.SetUserID(userIDFrom(c))
				m.Log(status, err)
			}()

			handlerStart := time.Now()
			err = next(c)
			m.ObserveHandler(time.Since(handlerStart))
			return err
		}
	}
}

// markErrorStage records where a request failed, when metrics are enabled.
func markErrorStage(c echo.Context, stage string) {
	if m, ok := c.Get(metricsKey).(*requestMetrics); ok {
		m.SetErrorStage(stage)
	}
}
