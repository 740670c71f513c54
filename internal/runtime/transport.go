package runtime

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Topics connecting the caller side of a Service with its core.
const (
	CommandsTopic = "verdant.commands"
	EventsTopic   = "verdant.events"
)

// Transport is the pub/sub pair a Service runs both channels over.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and, when distinct, the subscriber.
func (t Transport) Close() error {
	var err error
	if t.Publisher != nil {
		err = t.Publisher.Close()
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		if subErr := t.Subscriber.Close(); err == nil {
			err = subErr
		}
	}
	return err
}

// TransportFactory builds the per-service transport.
type TransportFactory func(logger watermill.LoggerAdapter) (Transport, error)

// ChannelTransport is the default in-memory transport. Publishing blocks
// until the subscriber acks, which keeps both channels strictly FIFO.
func ChannelTransport(logger watermill.LoggerAdapter) (Transport, error) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return Transport{Publisher: pubSub, Subscriber: pubSub}, nil
}
