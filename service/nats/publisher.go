package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txscope/service/metrics"
	"github.com/brojonat/txscope/service/txn"
	"github.com/nats-io/nats.go"
)

// Publisher defines the interface for publishing page events to NATS.
type Publisher interface {
	// PublishPage publishes a page event to Subject(event.Account).
	PublishPage(ctx context.Context, event *PageEvent) error

	// Close closes the connection to NATS.
	Close() error
}

// CorePublisher publishes page events with core NATS. Events are
// notifications only; nothing is retained for late subscribers.
type CorePublisher struct {
	nc      *nats.Conn
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPublisher connects to natsURL. If metrics is nil, no metrics are recorded.
func NewPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*CorePublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("txscope-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("NATS publisher initialized", "url", natsURL, "subjects", SubjectPrefix+".*")

	return &CorePublisher{
		nc:      nc,
		metrics: m,
		logger:  logger,
	}, nil
}

// PublishPage publishes a single page event.
func (p *CorePublisher) PublishPage(ctx context.Context, event *PageEvent) error {
	subject := Subject(event.Account)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal page event: %w", err)
	}

	start := time.Now()
	err = p.nc.Publish(subject, data)
	if p.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		// The subject prefix keeps label cardinality bounded.
		p.metrics.RecordNATSPublish(SubjectPrefix, status, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("failed to publish page event: %w", err)
	}

	p.logger.DebugContext(ctx, "published page event",
		"subject", subject,
		"transactions", len(event.Transactions),
	)
	return nil
}

// Close drains and closes the connection to NATS.
func (p *CorePublisher) Close() error {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
			return fmt.Errorf("failed to drain NATS connection: %w", err)
		}
		p.logger.Info("NATS publisher closed")
	}
	return nil
}

// PageObserver returns a page observer publishing every appended page.
// Publish failures are logged and never affect pagination.
func PageObserver(pub Publisher, logger *slog.Logger) func(ctx context.Context, account string, appended []txn.Transaction) {
	return func(ctx context.Context, account string, appended []txn.Transaction) {
		if err := pub.PublishPage(ctx, NewPageEvent(account, appended)); err != nil {
			logger.WarnContext(ctx, "failed to publish page event",
				"account", account,
				"error", err,
			)
		}
	}
}
