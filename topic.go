package ledgertwin

import "strings"

// DefaultNamespace prefixes every event topic unless configured otherwise.
const DefaultNamespace = "bank"

var topicReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// TopicFor names the channel carrying the events of one subject:
// "<namespace>/<subject>/events". Characters with a special meaning in topic
// filters are replaced in the subject so that it always occupies exactly one
// level.
func TopicFor(namespace, subject string) string {
	return namespace + "/" + topicReplacer.Replace(subject) + "/events"
}

// WildcardTopic is the topic filter matching the event channels of every
// subject in namespace.
func WildcardTopic(namespace string) string {
	return namespace + "/+/events"
}

// MatchTopic reports whether topic matches filter, where a "+" level in the
// filter matches exactly one topic level and a trailing "#" level matches any
// number of remaining levels (including none).
func MatchTopic(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
