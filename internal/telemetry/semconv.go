// Package telemetry provides semantic conventions for Tably observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Tably-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Channel attributes
	AttrTopic    = attribute.Key("topic")
	AttrFilter   = attribute.Key("filter")
	AttrVenue    = attribute.Key("venue")
	AttrRole     = attribute.Key("role")
	AttrStrategy = attribute.Key("strategy")

	// Operation attributes
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
	AttrReason    = attribute.Key("reason")

	// Connection attributes
	AttrConnectionState = attribute.Key("connection.state")
)

// Strategy values
const (
	StrategyLive      = "live"
	StrategySimulated = "simulated"
)

// FrameAttributes returns common attributes for channel frame metrics.
func FrameAttributes(environment, venue, topicName, strategy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrTopic.String(topicName),
		AttrStrategy.String(strategy),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, venue, state, strategy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrVenue.String(venue),
		AttrConnectionState.String(state),
		AttrStrategy.String(strategy),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}
