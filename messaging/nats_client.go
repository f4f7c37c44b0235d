package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// StreamName is the JetStream stream holding bet lifecycle events
const StreamName = "bet_events"

var errNotConnected = errors.New("nats: jetstream not connected")

// NATSClient publishes bet lifecycle events to JetStream
type NATSClient struct {
	servers string
	name    string
	wait    time.Duration
	retries int

	mu sync.RWMutex
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSClient creates an unconnected client for a comma separated server list
func NewNATSClient(servers string) *NATSClient {
	return &NATSClient{
		servers: servers,
		name:    "escrowbet",
		wait:    2 * time.Second,
		retries: 10,
	}
}

func (c *NATSClient) options(ctx context.Context) []nats.Option {
	opts := []nats.Option{
		nats.Name(c.name),
		nats.MaxReconnects(c.retries),
		nats.ReconnectWait(c.wait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithFields(log.Fields{
				"servers": c.servers,
				"error":   err,
			}).Warn("Lost connection to NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			entry := log.WithError(err)
			if sub != nil {
				entry = entry.WithField("subject", sub.Subject)
			}
			entry.Error("NATS async error")
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	return opts
}

// Connect dials the servers and opens a JetStream context
func (c *NATSClient) Connect(ctx context.Context) error {
	nc, err := nats.Connect(c.servers, c.options(ctx)...)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", c.servers, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return fmt.Errorf("open JetStream context: %w", err)
	}

	c.mu.Lock()
	c.nc, c.js = nc, js
	c.mu.Unlock()

	log.WithField("servers", c.servers).Info("Connected to NATS JetStream")
	return nil
}

func (c *NATSClient) jetStream() (nats.JetStreamContext, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errNotConnected
	}
	return c.js, nil
}

// EnsureStream creates a file-backed stream over subjects unless one already exists
func (c *NATSClient) EnsureStream(streamName string, subjects []string) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	if info, err := js.StreamInfo(streamName); err == nil {
		log.WithFields(log.Fields{
			"stream":   streamName,
			"messages": info.State.Msgs,
		}).Info("Using existing JetStream stream")
		return nil
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:        streamName,
		Description: "Bet and payout lifecycle events",
		Subjects:    subjects,
		Retention:   nats.LimitsPolicy,
		Storage:     nats.FileStorage,
		MaxAge:      7 * 24 * time.Hour,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", streamName, err)
	}

	log.WithFields(log.Fields{
		"stream":   streamName,
		"subjects": subjects,
	}).Info("Created JetStream stream")
	return nil
}

// Publish writes data to subject and waits for the stream acknowledgement
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	ack, err := js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	log.WithFields(log.Fields{
		"subject":  subject,
		"bytes":    len(data),
		"sequence": ack.Sequence,
	}).Debug("Published to JetStream")
	return nil
}

// IsConnected reports whether the connection is currently up
func (c *NATSClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains in-flight publishes and closes the connection
func (c *NATSClient) Close() error {
	c.mu.Lock()
	nc := c.nc
	c.nc, c.js = nil, nil
	c.mu.Unlock()

	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	log.Info("NATS connection closed")
	return nil
}
