package outbox

// Event is the envelope written to outbox_events. The Kafka topic is the
// event type.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
