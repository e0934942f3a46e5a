package security

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
	"github.com/agenthive/agenthive/internal/storage/writequeue"
)

// Alert is one detection event headed for the sink.
type Alert struct {
	Subject   string    `json:"subject"`
	Tool      string    `json:"tool"`
	Direction Direction `json:"direction"`
	Threats   []Threat  `json:"threats"`
	Severity  Severity  `json:"severity"`
}

const webhookTimeout = 5 * time.Second

// AlertSink fans a detection out to the structured log, the
// security_alerts table, the security event channel, and an optional
// webhook. Sink failures never fail the triggering call.
type AlertSink struct {
	queue      *writequeue.Queue
	eventBus   bus.EventBus
	webhookURL string
	client     *http.Client
	log        *logger.Logger
}

// NewAlertSink creates the sink. webhookURL may be empty.
func NewAlertSink(queue *writequeue.Queue, eventBus bus.EventBus, webhookURL string) *AlertSink {
	return &AlertSink{
		queue:      queue,
		eventBus:   eventBus,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: webhookTimeout},
		log:        logger.New("security"),
	}
}

// Emit records the alert on every configured destination.
func (s *AlertSink) Emit(ctx context.Context, alert Alert) {
	s.log.Warn("Threat detected",
		zap.String("subject", alert.Subject),
		zap.String("tool", alert.Tool),
		zap.String("direction", string(alert.Direction)),
		zap.String("severity", string(alert.Severity)),
		zap.Int("threats", len(alert.Threats)))

	s.persist(ctx, alert)
	s.publish(ctx, alert)
	if s.webhookURL != "" {
		go s.postWebhook(alert)
	}
}

func (s *AlertSink) persist(ctx context.Context, alert Alert) {
	if s.queue == nil {
		return
	}
	now := time.Now().UTC()
	go func() {
		err := s.queue.Submit(context.WithoutCancel(ctx), func(ctx context.Context, tx *sqlx.Tx) error {
			for _, t := range alert.Threats {
				_, err := tx.ExecContext(ctx, tx.Rebind(
					`INSERT INTO security_alerts (id, subject, tool, pattern, severity, direction, excerpt, created_at)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
					uuid.New().String(), alert.Subject, alert.Tool, t.Pattern,
					string(t.Severity), string(alert.Direction), t.Excerpt, now)
				if err != nil {
					return err
				}
			}
			return nil
		}, nil)
		if err != nil {
			s.log.Error("Alert row append failed", zap.Error(err))
		}
	}()
}

func (s *AlertSink) publish(ctx context.Context, alert Alert) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(events.SecurityThreatDetected, alert.Subject, map[string]any{
		"tool":      alert.Tool,
		"direction": string(alert.Direction),
		"severity":  string(alert.Severity),
		"threats":   len(alert.Threats),
	})
	if err := s.eventBus.Publish(ctx, events.SecurityThreatDetected, event); err != nil {
		s.log.Error("Alert publish failed", zap.Error(err))
	}
}

func (s *AlertSink) postWebhook(alert Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		s.log.Error("Webhook request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("Webhook delivery failed", zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warn("Webhook returned non-success status", zap.Int("status", resp.StatusCode))
	}
}
