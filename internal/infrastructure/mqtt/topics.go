package mqtt

import "fmt"

// Topic prefix for all bridge traffic.
//
// The bridge exposes three topics: a single inbound command topic, a
// single outbound event topic, and a retained system status topic.
const (
	// TopicPrefix is the base for all bridge topics.
	TopicPrefix = "blebridge"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "blebridge/system"
)

// Topics provides builders for bridge MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cmdTopic := topics.Command()
//	// Returns: "blebridge/command"
type Topics struct{}

// Command returns the inbound command topic.
//
// Example: blebridge/command
func (Topics) Command() string {
	return fmt.Sprintf("%s/command", TopicPrefix)
}

// Event returns the outbound event topic.
//
// Example: blebridge/event
func (Topics) Event() string {
	return fmt.Sprintf("%s/event", TopicPrefix)
}

// SystemStatus returns the system status topic.
//
// Online/offline payloads and the LWT are published here, retained.
//
// Example: blebridge/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllTopics returns a pattern matching all bridge topics.
// Use with caution, this receives ALL traffic.
//
// Pattern: blebridge/#
func (Topics) AllTopics() string {
	return "blebridge/#"
}
