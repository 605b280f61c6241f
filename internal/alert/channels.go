package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mtbridge/internal/core"
)

// LogChannel writes alerts into the bridge log. Always configured, so every
// alert leaves at least one trace even with no webhook set up.
type LogChannel struct {
	logger core.ILogger
}

func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alert_log")}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, payload Payload) error {
	fields := make([]interface{}, 0, len(payload.Fields)*2+2)
	fields = append(fields, "title", payload.Title)
	for k, v := range payload.Fields {
		fields = append(fields, k, v)
	}

	switch payload.Level {
	case Warning:
		l.logger.Warn(payload.Message, fields...)
	case Error, Critical:
		l.logger.Error(payload.Message, fields...)
	default:
		l.logger.Info(payload.Message, fields...)
	}
	return nil
}

// WebhookChannel posts alerts as JSON to an operator endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *WebhookChannel) Name() string {
	return "webhook"
}

type webhookBody struct {
	Level     string            `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Timestamp int64             `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func (w *WebhookChannel) Send(ctx context.Context, payload Payload) error {
	if w.url == "" {
		return nil
	}

	body, err := json.Marshal(webhookBody{
		Level:     string(payload.Level),
		Title:     payload.Title,
		Message:   payload.Message,
		Timestamp: payload.Timestamp.Unix(),
		Fields:    payload.Fields,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
