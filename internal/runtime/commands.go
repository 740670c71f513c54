package runtime

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/verdant/internal/discovery"
	errspkg "github.com/drblury/verdant/internal/runtime/errors"
	idspkg "github.com/drblury/verdant/internal/runtime/ids"
	"github.com/drblury/verdant/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/verdant/internal/runtime/metadata"
)

// Command type names carried in message metadata.
const (
	CommandLogin        = "login"
	CommandSetDiscovery = "set_discovery"
	CommandAddServer    = "add_server"
)

// Server sources for AddServerCommand.
const (
	SourceDiscovery = "discovery"
	SourceManual    = "manual"
)

// Command is a request from the caller to the service core.
type Command interface {
	// CommandType names the command in message metadata.
	CommandType() string
	// Validate rejects commands that must never be queued.
	Validate() error
}

// LoginCommand logs username in on the server at URL.
type LoginCommand struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (LoginCommand) CommandType() string { return CommandLogin }

func (c LoginCommand) Validate() error {
	if err := requireText("url", c.URL); err != nil {
		return err
	}
	if err := requireHTTPURL("url", c.URL); err != nil {
		return err
	}
	if err := requireText("username", c.Username); err != nil {
		return err
	}
	return requireText("password", c.Password)
}

// SetDiscoveryCommand starts or stops the beacon listener.
type SetDiscoveryCommand struct {
	Enabled bool `json:"enabled"`
}

func (SetDiscoveryCommand) CommandType() string { return CommandSetDiscovery }

func (SetDiscoveryCommand) Validate() error { return nil }

// AddServerCommand registers a server found by discovery or entered by hand.
type AddServerCommand struct {
	Server discovery.Server `json:"server"`
	Source string           `json:"source"`
}

func (AddServerCommand) CommandType() string { return CommandAddServer }

func (c AddServerCommand) Validate() error {
	if err := requireText("server.url", c.Server.URL); err != nil {
		return err
	}
	if err := requireHTTPURL("server.url", c.Server.URL); err != nil {
		return err
	}
	if c.Server.Name != "" && !utf8.ValidString(c.Server.Name) {
		return &errspkg.FieldError{Field: "server.name", Reason: "is not valid UTF-8"}
	}
	switch c.Source {
	case SourceDiscovery, SourceManual:
		return nil
	default:
		return &errspkg.FieldError{Field: "source", Reason: fmt.Sprintf("must be %q or %q", SourceDiscovery, SourceManual)}
	}
}

func requireText(field, value string) error {
	if value == "" {
		return &errspkg.FieldError{Field: field, Reason: "is required"}
	}
	if !utf8.ValidString(value) {
		return &errspkg.FieldError{Field: field, Reason: "is not valid UTF-8"}
	}
	if strings.IndexByte(value, 0) >= 0 {
		return &errspkg.FieldError{Field: field, Reason: "contains a NUL byte"}
	}
	return nil
}

func requireHTTPURL(field, value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &errspkg.FieldError{Field: field, Reason: "must be an absolute http or https URL"}
	}
	return nil
}

// normalizeServerURL is the key servers are registered and looked up by.
func normalizeServerURL(raw string) string {
	return strings.TrimRight(raw, "/")
}

func newCommandMessage(cmd Command) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", cmd.CommandType(), err)
	}
	id := idspkg.NewCommandID()
	msg := message.NewMessage(id, payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.New(
		metadatapkg.KeyCommandID, id,
		metadatapkg.KeyCommandType, cmd.CommandType(),
		metadatapkg.KeySubmittedAt, time.Now().UTC().Format(time.RFC3339Nano),
	))
	return msg, nil
}

func decodeCommand(msg *message.Message) (Command, error) {
	kind := msg.Metadata.Get(metadatapkg.KeyCommandType)
	var cmd Command
	switch kind {
	case CommandLogin:
		var c LoginCommand
		if err := jsoncodec.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", errspkg.ErrInvalidCommand, err)
		}
		cmd = c
	case CommandSetDiscovery:
		var c SetDiscoveryCommand
		if err := jsoncodec.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", errspkg.ErrInvalidCommand, err)
		}
		cmd = c
	case CommandAddServer:
		var c AddServerCommand
		if err := jsoncodec.Unmarshal(msg.Payload, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", errspkg.ErrInvalidCommand, err)
		}
		cmd = c
	default:
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownCommand, kind)
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}
