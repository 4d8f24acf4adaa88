// Package notify pushes out-of-band alerts to configured webhook
// endpoints: strategy-emitted log messages observed on chain and
// effects that failed permanently. With no endpoints configured the
// notifier is a no-op.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/semsee/semsee/internal/effect"
	"github.com/semsee/semsee/internal/event"
)

// Notification is the data passed to senders.
type Notification struct {
	Kind       string
	StrategyID string
	Message    string
	Block      uint64
	TxHash     string
	ActionID   string
	ErrorClass string
}

// Notification kinds.
const (
	KindStrategyLog  = "strategy-log"
	KindEffectFailed = "effect-failed"
)

type Sender interface {
	Send(ctx context.Context, n Notification) error
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP sink.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

func (s *httpSender) Send(ctx context.Context, n Notification) error {
	bodyStr, err := executeTemplate(s.render, n)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(map[string]string{
		"text": bodyStr,
	})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify http status %d", resp.StatusCode)
	}
	return nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = "SEMSEE {{.Kind}} strategy={{.StrategyID}} {{.Message}}"
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}

// Notifier fans one notification out to every configured sender. Send
// failures are logged and swallowed; alerting never stalls the
// pipeline.
type Notifier struct {
	senders []Sender
	logger  *slog.Logger
}

// NewNotifier builds a notifier over zero or more senders.
func NewNotifier(logger *slog.Logger, senders ...Sender) *Notifier {
	return &Notifier{senders: senders, logger: logger}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify dispatches to every sender.
func (n *Notifier) Notify(ctx context.Context, note Notification) {
	if !n.Enabled() {
		return
	}
	for _, s := range n.senders {
		if err := s.Send(ctx, note); err != nil {
			n.logger.Warn("notification failed", "kind", note.Kind, "strategy", note.StrategyID, "error", err)
		}
	}
}

// FromStrategyLog shapes a notification from an on-chain log message.
func FromStrategyLog(ev event.Decoded, msg event.LogMessage) Notification {
	return Notification{
		Kind:       KindStrategyLog,
		StrategyID: msg.StrategyID,
		Message:    msg.Message,
		Block:      ev.Block,
		TxHash:     ev.TxHash.Hex(),
	}
}

// FromEffectFailure shapes a notification from a failed terminal
// result.
func FromEffectFailure(res effect.Result) Notification {
	n := Notification{
		Kind:       KindEffectFailed,
		StrategyID: res.StrategyID,
		ActionID:   res.ActionID,
		ErrorClass: res.ErrorClass,
		Message:    res.Error,
	}
	if res.TxHash != (common.Hash{}) {
		n.TxHash = res.TxHash.Hex()
	}
	return n
}
