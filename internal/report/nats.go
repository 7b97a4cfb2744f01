package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher pushes finished report documents to JetStream for downstream
// consumers (dashboards, alerting). Subjects follow the pattern:
// perp.audit.reports.{kind}.{market}
type Publisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, log: log}
}

// Emit publishes one document. Failures are logged and swallowed: the JSON
// sink remains the artefact of record, so a broker outage must not mark a
// market's pipeline as failed.
func (p *Publisher) Emit(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	subject := fmt.Sprintf("perp.audit.reports.%s.%s", doc.Kind, slug(doc.Market))
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Str("subject", subject).Err(err).Msg("report publish failed")
	}
	return nil
}

// ConnectNATS dials the broker with unbounded reconnects.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perpaudit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureReportStream creates the report stream if it does not exist.
func EnsureReportStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_AUDIT_REPORTS",
		Subjects:  []string{"perp.audit.reports.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create report stream: %w", err)
	}
	return nil
}
