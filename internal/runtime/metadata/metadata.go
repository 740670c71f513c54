// Package metadata holds the headers carried by command and event messages
// on the bridge's internal channels.
package metadata

import "strconv"

// Reserved keys written by the bridge.
const (
	KeyCorrelationID = "correlation_id"
	KeyCommandID     = "verdant_command_id"
	KeyCommandType   = "verdant_command"
	KeyEventID       = "verdant_event_id"
	KeyEventTag      = "verdant_event_tag"
	KeySubmittedAt   = "verdant_submitted_at"
)

// Metadata represents the headers carried alongside a command or event.
type Metadata map[string]string

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	cloned[key] = value
	return cloned
}

func (m Metadata) CommandID() string     { return m[KeyCommandID] }
func (m Metadata) CommandType() string   { return m[KeyCommandType] }
func (m Metadata) CorrelationID() string { return m[KeyCorrelationID] }

// EventTag parses the numeric event tag. ok is false when absent or malformed.
func (m Metadata) EventTag() (tag uint32, ok bool) {
	raw, present := m[KeyEventTag]
	if !present {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
