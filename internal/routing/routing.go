// Package routing computes broker routing keys from an event name, per
// spec.md §4.2.
package routing

import "strings"

// Topic routing keys, bound 1:1 to durable queue stems (spec.md §6):
// "sb.events.raw" -> queue "sb.events.raw.q", etc.
const (
	TopicRaw     = "sb.events.raw"
	TopicGeo     = "sb.events.geo"
	TopicLicense = "sb.events.license"
	TopicSession = "sb.events.session"
	TopicScreen  = "sb.events.screen"
	TopicUI      = "sb.events.ui"
	TopicSystem  = "sb.events.system"
	TopicDLQ     = "sb.events.dlq"
)

var prefixRoutes = []struct {
	prefix string
	topic  string
}{
	{"geo.", TopicGeo},
	{"license.", TopicLicense},
	{"session.", TopicSession},
	{"screen.", TopicScreen},
	{"ui.", TopicUI},
	{"system.", TopicSystem},
}

// KeysFor returns every routing key an accepted event with this name
// stages: always the raw key, plus at most one prefix-matched key.
func KeysFor(eventName string) []string {
	keys := []string{TopicRaw}
	for _, r := range prefixRoutes {
		if strings.HasPrefix(eventName, r.prefix) {
			keys = append(keys, r.topic)
			break
		}
	}
	return keys
}

// QueueName returns the durable queue stem bound to a routing key.
func QueueName(routingKey string) string {
	return routingKey + ".q"
}

// AllTopics lists every routing key the broker topology declares a queue
// for, raw and DLQ included (spec.md §6).
func AllTopics() []string {
	topics := []string{TopicRaw, TopicGeo, TopicLicense, TopicSession, TopicScreen, TopicUI, TopicSystem, TopicDLQ}
	return topics
}
