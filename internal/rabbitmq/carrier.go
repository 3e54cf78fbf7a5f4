package rabbitmq

import amqp "github.com/rabbitmq/amqp091-go"

// HeaderCarrier adapts AMQP message headers to the OpenTelemetry
// propagation.TextMapCarrier interface.
type HeaderCarrier amqp.Table

// Get returns the string value stored under key, or "".
func (c HeaderCarrier) Get(key string) string {
	v, ok := c[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return ""
}

// Set writes key/value, replacing any existing header with the same key.
func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

// Keys returns all header keys present in the carrier.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
