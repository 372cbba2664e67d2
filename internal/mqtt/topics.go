package mqtt

import "strings"

// Topics builds topic names under a prefix.
type Topics struct {
	Prefix string
}

// State is the retained control state of one target.
func (t Topics) State(target string) string {
	return t.Prefix + "/state/" + sanitize(target)
}

// Notify carries notifications.
func (t Topics) Notify() string {
	return t.Prefix + "/notify"
}

// Intent is where intents are accepted.
func (t Topics) Intent() string {
	return t.Prefix + "/intent"
}

// Status is the retained online/offline marker, also used as the will.
func (t Topics) Status() string {
	return t.Prefix + "/status"
}

// sanitize strips MQTT wildcards and level separators from a topic level.
// Vendor device ids look like "AA:BB:CC:DD", which is fine as is.
func sanitize(level string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(level)
}
