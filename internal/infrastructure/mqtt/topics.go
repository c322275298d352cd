package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the topic root used when none is configured.
const DefaultTopicPrefix = "btmidi"

// Topics builds the daemon's MQTT topics under a common prefix.
//
//	topics := mqtt.NewTopics("btmidi")
//	topics.Event("note") // "btmidi/event/note"
type Topics struct {
	prefix string
}

// NewTopics returns topic builders rooted at prefix. Leading and trailing
// slashes are stripped; an empty prefix falls back to DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// Event returns the topic for mirrored events of the given kind.
//
// Example: btmidi/event/note
func (t Topics) Event(kind string) string {
	return fmt.Sprintf("%s/event/%s", t.Prefix(), kind)
}

// AllEvents matches every mirrored event.
//
// Example: btmidi/event/#
func (t Topics) AllEvents() string {
	return t.Prefix() + "/event/#"
}

// Control returns the topic carrying control-plane command lines.
//
// Example: btmidi/control
func (t Topics) Control() string {
	return t.Prefix() + "/control"
}

// Health returns the topic for periodic health reports.
//
// Example: btmidi/health
func (t Topics) Health() string {
	return t.Prefix() + "/health"
}

// SystemStatus returns the retained online/offline status topic.
//
// Example: btmidi/system/status
func (t Topics) SystemStatus() string {
	return t.Prefix() + "/system/status"
}

// Owns reports whether topic is a concrete topic under the prefix. The
// daemon only publishes inside its own tree and never to wildcards.
func (t Topics) Owns(topic string) bool {
	if strings.ContainsAny(topic, "+#") {
		return false
	}
	rest, ok := strings.CutPrefix(topic, t.Prefix()+"/")
	return ok && rest != ""
}
