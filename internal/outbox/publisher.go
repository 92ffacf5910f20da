package outbox

import (
    "context"
    "encoding/json"
    "fmt"
    "log/slog"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"

    "github.com/veslink/transferd/internal/ledger"
)

// Publisher delivers one outbox event to the downstream broker. A nil
// error means the broker accepted the message; the processor only marks
// rows published on that signal.
type Publisher interface {
    Publish(ctx context.Context, ev ledger.OutboxEvent) error
}

// envelope is the wire shape shared by all publishers.
type envelope struct {
    ID            string         `json:"id"`
    EventType     string         `json:"event_type"`
    AggregateType string         `json:"aggregate_type"`
    AggregateID   string         `json:"aggregate_id"`
    OccurredAt    time.Time      `json:"occurred_at"`
    Payload       map[string]any `json:"payload"`
}

func encodeEnvelope(ev ledger.OutboxEvent) ([]byte, error) {
    return json.Marshal(envelope{
        ID:            ev.ID.String(),
        EventType:     ev.EventType,
        AggregateType: ev.AggregateType,
        AggregateID:   ev.AggregateID.String(),
        OccurredAt:    ev.OccurredAt,
        Payload:       ev.Payload,
    })
}

// LogPublisher writes events to the process log instead of a broker.
// It backs the in-memory dev mode and tests; every delivery "succeeds".
type LogPublisher struct {
    log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher { return &LogPublisher{log: log} }

func (p *LogPublisher) Publish(_ context.Context, ev ledger.OutboxEvent) error {
    body, err := encodeEnvelope(ev)
    if err != nil { return err }
    p.log.Info("event published",
        slog.String("event_id", ev.ID.String()),
        slog.String("event_type", ev.EventType),
        slog.String("body", string(body)),
    )
    return nil
}

// AMQPPublisher delivers events to a RabbitMQ topic exchange, routed by
// event type. The channel runs in confirm mode so Publish only returns
// nil once the broker has acked the message; marking an outbox row
// published therefore means the broker has it.
type AMQPPublisher struct {
    conn     *amqp.Connection
    ch       *amqp.Channel
    exchange string
}

// DialAMQP connects, opens a confirm-mode channel and declares the
// durable topic exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
    conn, err := amqp.Dial(url)
    if err != nil { return nil, fmt.Errorf("amqp dial: %w", err) }
    ch, err := conn.Channel()
    if err != nil {
        _ = conn.Close()
        return nil, fmt.Errorf("amqp channel: %w", err)
    }
    if err := ch.Confirm(false); err != nil {
        _ = ch.Close()
        _ = conn.Close()
        return nil, fmt.Errorf("amqp confirm mode: %w", err)
    }
    if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
        _ = ch.Close()
        _ = conn.Close()
        return nil, fmt.Errorf("amqp exchange declare: %w", err)
    }
    return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev ledger.OutboxEvent) error {
    body, err := encodeEnvelope(ev)
    if err != nil { return err }
    confirmation, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, ev.EventType, false, false, amqp.Publishing{
        ContentType:  "application/json",
        DeliveryMode: amqp.Persistent,
        MessageId:    ev.ID.String(),
        Type:         ev.EventType,
        Timestamp:    ev.OccurredAt,
        Body:         body,
    })
    if err != nil { return fmt.Errorf("amqp publish: %w", err) }
    select {
    case <-confirmation.Done():
        if !confirmation.Acked() {
            return fmt.Errorf("amqp publish: broker nacked message %s", ev.ID)
        }
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

// Close tears down the channel and connection.
func (p *AMQPPublisher) Close() error {
    if err := p.ch.Close(); err != nil {
        _ = p.conn.Close()
        return err
    }
    return p.conn.Close()
}
