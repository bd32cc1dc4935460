package commbus

import (
	"context"

	"github.com/jeeves-cluster-organization/pipelinecore/coreengine/observability"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level and failures
// at warn level.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("bus_message_received",
		"message_type", GetMessageType(message),
		"category", message.Category(),
	)
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if err != nil {
		m.logger.Warn("bus_message_failed", "message_type", msgType, "error", err.Error())
	} else {
		m.logger.Debug("bus_message_completed", "message_type", msgType)
	}
	return result, nil
}

// =============================================================================
// METRICS MIDDLEWARE
// =============================================================================

// MetricsMiddleware counts dispatched messages by type and outcome.
type MetricsMiddleware struct{}

// NewMetricsMiddleware creates a new MetricsMiddleware.
func NewMetricsMiddleware() *MetricsMiddleware {
	return &MetricsMiddleware{}
}

// Before passes the message through.
func (m *MetricsMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return message, nil
}

// After records the outcome.
func (m *MetricsMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.RecordBusMessage(GetMessageType(message), outcome)
	return result, nil
}

// Ensure all middleware types implement Middleware interface.
var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*MetricsMiddleware)(nil)
)
