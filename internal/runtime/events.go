package runtime

import (
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	idspkg "github.com/drblury/verdant/internal/runtime/ids"
	"github.com/drblury/verdant/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/verdant/internal/runtime/metadata"
)

// EventTag discriminates events. The numeric values are part of the C ABI.
type EventTag uint32

const (
	EventNone             EventTag = 0
	EventLoginResult      EventTag = 1
	EventServerDiscovered EventTag = 2
	EventLiveKitToken     EventTag = 3
	EventDiscoveryState   EventTag = 4
	EventError            EventTag = 0xFFFF
)

func (t EventTag) String() string {
	switch t {
	case EventNone:
		return "none"
	case EventLoginResult:
		return "login_result"
	case EventServerDiscovered:
		return "server_discovered"
	case EventLiveKitToken:
		return "livekit_token"
	case EventDiscoveryState:
		return "discovery_state"
	case EventError:
		return "error"
	}
	return "tag_" + strconv.FormatUint(uint64(t), 10)
}

// Error codes carried in EventError payloads.
const (
	ErrorCodeServerUnreachable = "server_unreachable"
	ErrorCodeDiscoveryFailed   = "discovery_failed"
	ErrorCodeInvalidCommand    = "invalid_command"
	ErrorCodeInternal          = "internal"
)

// Event is a result flowing from the service core to the caller. The zero
// Event, tagged EventNone with no payload, is the "nothing queued" sentinel.
type Event struct {
	ID        string
	Tag       EventTag
	CommandID string
	// Payload is a JSON document; nil for EventNone.
	Payload []byte
}

// IsNone reports whether e is the sentinel.
func (e Event) IsNone() bool { return e.Tag == EventNone }

// DiscoveryState is the payload of EventDiscoveryState.
type DiscoveryState struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"`
}

// ErrorPayload is the payload of EventError.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	CommandID string `json:"command_id,omitempty"`
}

func newEventMessage(tag EventTag, commandID string, payload any) (*message.Message, error) {
	if tag == EventNone {
		return nil, fmt.Errorf("event tag %s cannot be emitted", tag)
	}
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", tag, err)
	}
	id := idspkg.NewEventID()
	msg := message.NewMessage(id, body)
	md := metadatapkg.New(
		metadatapkg.KeyEventID, id,
		metadatapkg.KeyEventTag, strconv.FormatUint(uint64(tag), 10),
	)
	if commandID != "" {
		md = md.With(metadatapkg.KeyCommandID, commandID)
	}
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg, nil
}

func eventFromMessage(msg *message.Message) (Event, error) {
	md := metadatapkg.FromWatermill(msg.Metadata)
	tag, ok := md.EventTag()
	if !ok {
		return Event{}, fmt.Errorf("message %s has no event tag", msg.UUID)
	}
	if EventTag(tag) == EventNone {
		return Event{}, fmt.Errorf("message %s carries the none tag", msg.UUID)
	}
	payload := make([]byte, len(msg.Payload))
	copy(payload, msg.Payload)
	return Event{
		ID:        msg.UUID,
		Tag:       EventTag(tag),
		CommandID: md.CommandID(),
		Payload:   payload,
	}, nil
}

func newErrorEvent(code, commandID string, err error) Event {
	body, _ := jsoncodec.Marshal(ErrorPayload{Code: code, Message: err.Error(), CommandID: commandID})
	return Event{ID: idspkg.NewEventID(), Tag: EventError, CommandID: commandID, Payload: body}
}
