// Package notify publishes export run summaries to NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/docexport/internal/config"
	"git.home.luguber.info/inful/docexport/internal/export"
	"git.home.luguber.info/inful/docexport/internal/version"
)

// Publisher delivers run summaries.
type Publisher interface {
	PublishRun(ctx context.Context, sum export.Summary) error
	Close() error
}

// Noop discards summaries. Used when notifications are disabled.
type Noop struct{}

func (Noop) PublishRun(context.Context, export.Summary) error { return nil }
func (Noop) Close() error                                     { return nil }

// RunMessage is the published payload.
type RunMessage struct {
	RunID           string    `json:"run_id"`
	Trigger         string    `json:"trigger"`
	Host            string    `json:"host"`
	Version         string    `json:"version"`
	StartedAt       time.Time `json:"started_at"`
	ElapsedMS       int64     `json:"elapsed_ms"`
	Total           int       `json:"total"`
	Exported        int       `json:"exported"`
	Skipped         int       `json:"skipped"`
	Errors          int       `json:"errors"`
	Aborted         bool      `json:"aborted"`
	FailedLocations []string  `json:"failed_locations,omitempty"`
}

// NewRunMessage builds the payload for sum.
func NewRunMessage(sum export.Summary) RunMessage {
	host, _ := os.Hostname()
	msg := RunMessage{
		RunID:     sum.RunID,
		Trigger:   sum.Trigger,
		Host:      host,
		Version:   version.Version,
		StartedAt: sum.StartedAt,
		ElapsedMS: sum.Elapsed.Milliseconds(),
		Total:     sum.Total,
		Exported:  sum.Exported,
		Skipped:   sum.Skipped,
		Errors:    sum.Errors,
		Aborted:   sum.Aborted,
	}
	for _, o := range sum.Outcomes {
		if o.Outcome == export.OutcomeError {
			msg.FailedLocations = append(msg.FailedLocations, o.Location)
		}
	}
	return msg
}

// Subject returns the subject a summary with trigger is published on.
func Subject(base, trigger string) string {
	if trigger == "" {
		return base
	}
	return base + "." + strings.ToLower(trigger)
}

// New returns a NATS publisher when cfg is enabled and Noop otherwise.
func New(ctx context.Context, cfg config.NotifyConfig, logger *slog.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	return Connect(ctx, cfg, logger)
}

// NATSPublisher publishes to a JetStream stream when one is configured,
// and as core NATS messages otherwise.
type NATSPublisher struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	stream  string
	logger  *slog.Logger
}

// Connect dials cfg.NATSURL and prepares the stream if configured.
func Connect(ctx context.Context, cfg config.NotifyConfig, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("docexport"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &NATSPublisher{conn: conn, js: js, subject: cfg.Subject, stream: cfg.Stream, logger: logger}
	if p.stream != "" {
		if err := p.ensureStream(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}

	logger.Info("NATS run notifications enabled",
		slog.String("url", cfg.NATSURL), slog.String("subject", cfg.Subject), slog.String("stream", cfg.Stream))
	return p, nil
}

func (p *NATSPublisher) ensureStream(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        p.stream,
		Description: "docexport run summaries",
		Subjects:    []string{p.subject + ".>"},
		MaxAge:      90 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", p.stream, err)
	}
	return nil
}

// PublishRun implements Publisher.
func (p *NATSPublisher) PublishRun(ctx context.Context, sum export.Summary) error {
	data, err := json.Marshal(NewRunMessage(sum))
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	subject := Subject(p.subject, sum.Trigger)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if p.stream != "" {
		if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(sum.RunID)); err != nil {
			return fmt.Errorf("failed to publish run summary: %w", err)
		}
	} else {
		if err := p.conn.Publish(subject, data); err != nil {
			return fmt.Errorf("failed to publish run summary: %w", err)
		}
		if err := p.conn.FlushWithContext(ctx); err != nil {
			return fmt.Errorf("failed to flush run summary: %w", err)
		}
	}

	p.logger.Debug("Published run summary", slog.String("subject", subject), slog.String("run_id", sum.RunID))
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
