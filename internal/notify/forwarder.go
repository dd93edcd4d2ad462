package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"github.com/MarcoPoloResearchLab/turnstile/internal/eventbus"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	// DefaultExchange receives check-in notifications when none is configured.
	DefaultExchange       = "turnstile.checkins"
	routingKeyPrefix      = "checkin."
	defaultPublishTimeout = 5 * time.Second
	jsonContentType       = "application/json"
)

var (
	errMissingChannel = errors.New("notify: channel required")
	errMissingBus     = errors.New("notify: event bus required")
)

// forwardedTypes are the bus events that can trigger staff or attendee notifications.
var forwardedTypes = []eventbus.EventType{
	eventbus.EventConflictResolved,
	eventbus.EventSyncFailed,
	eventbus.EventSyncCompleted,
}

// Channel is the subset of *amqp.Channel the forwarder publishes through.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Subscriber is the event bus surface the forwarder attaches to.
type Subscriber interface {
	Subscribe(eventType eventbus.EventType, handler eventbus.Handler) (eventbus.Subscription, error)
	Unsubscribe(subscription eventbus.Subscription)
}

// Config describes the dependencies of a Forwarder.
type Config struct {
	Channel        Channel
	Bus            Subscriber
	Exchange       string
	DeviceID       checkin.DeviceID
	PublishTimeout time.Duration
	Logger         *zap.Logger
}

// Message is the JSON body published for each forwarded event.
type Message struct {
	Type       string                  `json:"type"`
	EventID    string                  `json:"event_id"`
	TicketID   string                  `json:"ticket_id,omitempty"`
	DeviceID   string                  `json:"device_id"`
	Reason     string                  `json:"reason,omitempty"`
	Record     *checkin.CheckinRecord  `json:"record,omitempty"`
	Conflict   *checkin.ConflictRecord `json:"conflict,omitempty"`
	OccurredAt time.Time               `json:"occurred_at"`
}

// Forwarder relays reconciliation events from the bus to a RabbitMQ topic exchange.
type Forwarder struct {
	channel        Channel
	bus            Subscriber
	exchange       string
	deviceID       checkin.DeviceID
	publishTimeout time.Duration
	logger         *zap.Logger

	mu            sync.Mutex
	subscriptions []eventbus.Subscription
}

// NewForwarder declares the exchange and returns an unattached Forwarder.
func NewForwarder(cfg Config) (*Forwarder, error) {
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	if cfg.Bus == nil {
		return nil, errMissingBus
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Channel.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}
	return &Forwarder{
		channel:        cfg.Channel,
		bus:            cfg.Bus,
		exchange:       exchange,
		deviceID:       cfg.DeviceID,
		publishTimeout: timeout,
		logger:         logger,
	}, nil
}

// Start subscribes to the forwarded event types.
func (f *Forwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, eventType := range forwardedTypes {
		subscription, err := f.bus.Subscribe(eventType, f.forward)
		if err != nil {
			f.unsubscribeLocked()
			return fmt.Errorf("notify: subscribe %s: %w", eventType, err)
		}
		f.subscriptions = append(f.subscriptions, subscription)
	}
	return nil
}

// Stop detaches the forwarder from the bus.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribeLocked()
}

func (f *Forwarder) unsubscribeLocked() {
	for _, subscription := range f.subscriptions {
		f.bus.Unsubscribe(subscription)
	}
	f.subscriptions = nil
}

func (f *Forwarder) forward(event eventbus.Event) {
	message := Message{
		Type:       string(event.Type),
		EventID:    event.EventID.String(),
		TicketID:   event.TicketID.String(),
		DeviceID:   f.deviceID.String(),
		Reason:     event.Reason,
		Record:     event.Record,
		Conflict:   event.Conflict,
		OccurredAt: event.OccurredAt,
	}
	body, err := json.Marshal(message)
	if err != nil {
		f.logger.Error("failed to encode notification", zap.String("event_type", message.Type), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.publishTimeout)
	defer cancel()
	routingKey := RoutingKey(event.Type)
	err = f.channel.PublishWithContext(ctx, f.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  jsonContentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         message.Type,
		Body:         body,
	})
	if err != nil {
		f.logger.Warn("failed to publish notification",
			zap.String("exchange", f.exchange),
			zap.String("routing_key", routingKey),
			zap.String("ticket_id", message.TicketID),
			zap.Error(err))
		return
	}
	f.logger.Debug("notification published",
		zap.String("routing_key", routingKey),
		zap.String("ticket_id", message.TicketID))
}

// RoutingKey maps an event type to its topic routing key.
func RoutingKey(eventType eventbus.EventType) string {
	return routingKeyPrefix + string(eventType)
}

// Connection owns an AMQP connection and its publishing channel.
type Connection struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects to RabbitMQ and opens a channel.
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	return &Connection{conn: conn, channel: channel}, nil
}

// Channel returns the publishing channel.
func (c *Connection) Channel() *amqp.Channel {
	return c.channel
}

// Close closes the channel and then the connection.
func (c *Connection) Close() error {
	channelErr := c.channel.Close()
	connErr := c.conn.Close()
	return errors.Join(channelErr, connErr)
}
