package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/resiliency"
)

// LogSender writes emails to the log instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(l *slog.Logger) *LogSender {
	if l == nil {
		l = slog.Default()
	}
	return &LogSender{logger: l.With("component", "notify.log_sender")}
}

func (s *LogSender) Send(ctx context.Context, e Email) error {
	s.logger.InfoContext(ctx, "email", "to", e.To, "subject", e.Subject, "bytes", len(e.HTML))
	return nil
}

// HTTPSender posts emails to a transactional email API.
type HTTPSender struct {
	endpoint string
	apiKey   string
	from     string
	client   *resiliency.Client
}

func NewHTTPSender(endpoint, apiKey, from string, client *resiliency.Client) *HTTPSender {
	if client == nil {
		client = resiliency.NewClient("email")
	}
	return &HTTPSender{endpoint: endpoint, apiKey: apiKey, from: from, client: client}
}

func (s *HTTPSender) Send(ctx context.Context, e Email) error {
	body, err := json.Marshal(map[string]any{
		"from":    s.from,
		"to":      []string{e.To},
		"subject": e.Subject,
		"html":    e.HTML,
	})
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}
	return resp.Body.Close()
}
