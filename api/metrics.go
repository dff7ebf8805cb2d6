package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestEventName   = "board.request"
	requestEventDomain = "prism-board"
	requestSpanPrefix  = "api "
	observabilityEvent = "observability.event"
)

const tracerName = "prism-board/api"

// requestMetrics times one mutation request and reports it once as a log
// entry and as a span event.
type requestMetrics struct {
	logger *log.Logger
	route  string
	span   trace.Span
	start  time.Time

	decodeDuration time.Duration
	applyDuration  time.Duration
	notified       int
	errorStage     string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, requestSpanPrefix+route, trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)))
	return &requestMetrics{logger: logger, route: route, span: span, start: time.Now()}, ctx
}

func (m *requestMetrics) ObserveDecode(d time.Duration) { m.decodeDuration = max(d, 0) }
func (m *requestMetrics) ObserveApply(d time.Duration)  { m.applyDuration = max(d, 0) }

func (m *requestMetrics) SetNotified(n int) { m.notified = max(n, 0) }

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// severityForStatus follows the OpenTelemetry log severity numbers.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError, status == 0 && err != nil:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	defer m.span.End()

	attrs := map[string]any{
		"http.route":           m.route,
		"http.status_code":     status,
		"prism.board.total_ms": durationToMillis(time.Since(m.start)),
		"prism.board.notified": m.notified,
	}
	if m.decodeDuration > 0 {
		attrs["prism.board.decode_ms"] = durationToMillis(m.decodeDuration)
	}
	if m.applyDuration > 0 {
		attrs["prism.board.apply_ms"] = durationToMillis(m.applyDuration)
	}
	if m.errorStage != "" {
		attrs["prism.board.error_stage"] = m.errorStage
	}
	if err != nil {
		attrs["error.message"] = err.Error()
	}
	sevText, sevNumber := severityForStatus(status, err)

	kvs := []attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", sevText),
		attribute.Int("severity_number", sevNumber),
	}
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			kvs = append(kvs, attribute.String(k, val))
		case int:
			kvs = append(kvs, attribute.Int(k, val))
		case float64:
			kvs = append(kvs, attribute.Float64(k, val))
		}
	}
	m.span.AddEvent(observabilityEvent, trace.WithAttributes(kvs...))
	m.span.SetAttributes(attribute.Int("http.status_code", status))
	if m.errorStage != "" {
		m.span.SetAttributes(attribute.String("prism.board.error_stage", m.errorStage))
	}
	if sevText == "ERROR" {
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
			m.span.RecordError(err)
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   sevText,
		"severity_number": sevNumber,
		"attributes":      attrs,
	}
	if sc := m.span.SpanContext(); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	entry := m.logger.WithFields(fields)
	switch sevText {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
