// Package broker wraps the MQTT side of the dispatcher: one shared
// connection, topic subscriptions that survive reconnects, and a fan-in
// channel of inbound messages.
package broker

import "strings"

// Message is one inbound MQTT message.
type Message struct {
	Topic   string
	Payload []byte
}

// Broker is the dispatcher's view of the MQTT connection.
type Broker interface {
	// Subscribe registers a topic filter. Subscriptions are replayed
	// after every reconnect.
	Subscribe(filter string) error
	// Publish sends payload to topic.
	Publish(topic string, payload []byte) error
	// Messages returns the stream shared by all subscriptions.
	Messages() <-chan Message
	Close()
}

// MatchTopic reports whether an MQTT topic filter matches a topic.
// "+" matches one level, "#" matches the rest.
func MatchTopic(filter, topic string) bool {
	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")
	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}
