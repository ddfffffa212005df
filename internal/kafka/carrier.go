package kafka

import segkafka "github.com/segmentio/kafka-go"

// Header names set on every analyzer message besides the trace context.
const (
	HeaderEventType   = "mossai-event-type"
	HeaderContentType = "content-type"
)

// HeaderCarrier adapts Kafka headers to propagation.TextMapCarrier.
type HeaderCarrier []segkafka.Header

func (c HeaderCarrier) Get(key string) string {
	if i := c.index(key); i >= 0 {
		return string(c[i].Value)
	}
	return ""
}

// Set overwrites key in place, or appends it when absent.
func (c *HeaderCarrier) Set(key, value string) {
	if i := c.index(key); i >= 0 {
		(*c)[i].Value = []byte(value)
		return
	}
	*c = append(*c, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	out := make([]string, 0, len(c))
	for _, h := range c {
		out = append(out, h.Key)
	}
	return out
}

func (c HeaderCarrier) index(key string) int {
	for i := range c {
		if c[i].Key == key {
			return i
		}
	}
	return -1
}
