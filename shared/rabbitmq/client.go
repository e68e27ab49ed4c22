package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection and topology configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	QueueName          string
	RoutingKey         string
	RetryQueueName     string
	DeadLetterExchange string
	DeadLetterQueue    string
	// MessageTTL dead-letters tasks that wait in the main queue longer than this. Zero disables it.
	MessageTTL time.Duration
	// QuorumQueue declares the main queue as a quorum queue so DeliveryLimit is enforced by the broker
	QuorumQueue        bool
	DeliveryLimit      int
	PrefetchCount      int
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Client represents a RabbitMQ client. A closed channel or connection is
// re-established in the background until Close is called.
type Client struct {
	config    *Config
	logger    *slog.Logger
	publishMu sync.Mutex

	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	isConnected bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect dials with retry, declares the topology, and starts watching the new channel
func (c *Client) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	var (
		conn *amqp.Connection
		err  error
	)
	attempts := max(c.config.RetryAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		conn, err = amqp.DialConfig(dsn, amqp.Config{Heartbeat: c.config.Heartbeat, Locale: "en_US"})
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)
		if attempt < attempts {
			select {
			case <-time.After(c.config.RetryInterval):
			case <-c.done:
				return fmt.Errorf("rabbitmq client closed")
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.setup(ch); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to setup topology: %w", err)
	}

	// amqp091 delivers close errors synchronously, so the channel must be buffered and drained.
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	c.conn, c.channel, c.isConnected = conn, ch, true
	c.mu.Unlock()

	go c.watch(notify, c.reconnect)

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.String("retry_queue", c.config.RetryQueueName),
		slog.String("dead_letter_queue", c.config.DeadLetterQueue),
	)

	return nil
}

// watch waits for the channel to close and calls reconnect until it succeeds or the client is closed
func (c *Client) watch(notify <-chan *amqp.Error, reconnect func() error) {
	amqpErr := <-notify

	select {
	case <-c.done:
		return
	default:
	}

	c.mu.Lock()
	c.isConnected = false
	c.mu.Unlock()

	c.logger.Warn("RabbitMQ channel closed, reconnecting",
		slog.Any("error", amqpErr),
	)

	for {
		err := reconnect()
		if err == nil {
			return
		}
		c.logger.Error("Failed to reconnect to RabbitMQ",
			slog.Any("error", err),
			slog.Duration("retry_after", c.config.RetryInterval),
		)
		select {
		case <-time.After(c.config.RetryInterval):
		case <-c.done:
			return
		}
	}
}

func (c *Client) reconnect() error {
	c.mu.Lock()
	stale := c.conn
	c.conn, c.channel = nil, nil
	c.mu.Unlock()

	if stale != nil && !stale.IsClosed() {
		stale.Close()
	}
	return c.connect()
}

// current returns the live channel or an error when disconnected
func (c *Client) current() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isConnected || c.channel == nil {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}
	return c.channel, nil
}

// MainQueueArgs returns the declaration arguments of the main task queue
func MainQueueArgs(config *Config) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange": config.DeadLetterExchange,
	}
	if config.MessageTTL > 0 {
		args["x-message-ttl"] = config.MessageTTL.Milliseconds()
	}
	if config.QuorumQueue {
		args["x-queue-type"] = "quorum"
		if config.DeliveryLimit > 0 {
			args["x-delivery-limit"] = config.DeliveryLimit
		}
	}
	return args
}

// RetryQueueArgs returns the declaration arguments of the delay queue.
// Expired messages are routed back into the main exchange.
func RetryQueueArgs(config *Config) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    config.ExchangeName,
		"x-dead-letter-routing-key": config.RoutingKey,
	}
}

// setup declares the main, retry, and dead-letter exchanges, queues, and bindings
func (c *Client) setup(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		c.config.DeadLetterExchange, // name
		amqp.ExchangeFanout,         // type
		true,                        // durable
		false,                       // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(c.config.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}

	if err := ch.QueueBind(c.config.DeadLetterQueue, "", c.config.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue: %w", err)
	}

	err = ch.ExchangeDeclare(
		c.config.ExchangeName,
		amqp.ExchangeDirect,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	_, err = ch.QueueDeclare(
		c.config.QueueName, // name
		true,               // durable
		false,              // auto-delete
		false,              // exclusive
		false,              // no-wait
		MainQueueArgs(c.config),
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = ch.QueueBind(
		c.config.QueueName,    // queue name
		c.config.RoutingKey,   // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	if _, err := ch.QueueDeclare(c.config.RetryQueueName, true, false, false, false, RetryQueueArgs(c.config)); err != nil {
		return fmt.Errorf("failed to declare retry queue: %w", err)
	}

	return nil
}

func (c *Client) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := c.current()
	if err != nil {
		return err
	}

	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	return ch.PublishWithContext(
		ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	)
}

// PublishDelayed parks msg in the retry queue for delay, after which the
// broker dead-letters it back into the main exchange
func (c *Client) PublishDelayed(ctx context.Context, msg amqp.Publishing, delay time.Duration) error {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	msg.Expiration = strconv.FormatInt(ms, 10)

	if err := c.publish(ctx, "", c.config.RetryQueueName, msg); err != nil {
		c.logger.Error("Failed to publish delayed message to RabbitMQ",
			slog.Any("error", err),
			slog.Duration("delay", delay),
		)
		return fmt.Errorf("failed to publish delayed message: %w", err)
	}

	c.logger.Debug("Delayed message published to RabbitMQ",
		slog.String("message_id", msg.MessageId),
		slog.Duration("delay", delay),
	)
	return nil
}

// Consume starts consuming messages from the main queue on the current channel.
// The returned channel closes when the broker channel does; call Consume again after that.
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	ch, err := c.current()
	if err != nil {
		return nil, err
	}

	if c.config.PrefetchCount > 0 {
		if err := ch.Qos(c.config.PrefetchCount, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	messages, err := ch.Consume(
		c.config.QueueName, // queue
		consumerTag,        // consumer tag
		false,              // auto-ack
		false,              // exclusive
		false,              // no-local
		false,              // no-wait
		nil,                // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", c.config.PrefetchCount),
	)

	return messages, nil
}

// Close stops reconnection and closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = false

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

// HealthCheck reports an error when the connection is down
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return fmt.Errorf("rabbitmq health check failed: not connected")
	}
	return nil
}

// PublishWithRetry publishes msg to the main exchange with retry logic and exponential backoff
func (c *Client) PublishWithRetry(ctx context.Context, msg amqp.Publishing) error {
	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3 // default
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.publish(ctx, c.config.ExchangeName, c.config.RoutingKey, msg)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.Int("body_size", len(msg.Body)),
				)
			} else {
				c.logger.Debug("Message published to RabbitMQ",
					slog.Int("body_size", len(msg.Body)),
					slog.String("content_type", msg.ContentType),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("publish canceled after %d attempts: %w", attempt+1, ctx.Err())
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}
