package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/semsee/semsee/internal/effect"
	"github.com/semsee/semsee/internal/event"
)

func TestSlackSenderRendersTemplate(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewSlackSender(server.URL, "SEMSEE {{.Kind}} {{.StrategyID}} {{short_addr .TxHash}}")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}

	err = sender.Send(context.Background(), Notification{
		Kind: KindStrategyLog, StrategyID: "s1", TxHash: "0x1234567890abcdef",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got == "" || !strings.Contains(got, "SEMSEE strategy-log s1 0x1234") {
		t.Fatalf("unexpected payload: %s", got)
	}
}

func TestWebhookStatusFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, http.MethodPost, "msg", nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	if err := sender.Send(context.Background(), Notification{Kind: KindEffectFailed}); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestNotifierSwallowsSendErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sender, err := NewSlackSender(server.URL, "")
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	n := NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)), sender)
	if !n.Enabled() {
		t.Fatal("notifier with a sender should be enabled")
	}

	// Must not propagate or panic.
	n.Notify(context.Background(), Notification{Kind: KindEffectFailed, StrategyID: "s1"})
}

func TestNotifierWithoutSendersIsNoop(t *testing.T) {
	n := NewNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if n.Enabled() {
		t.Fatal("notifier without senders must be disabled")
	}
	n.Notify(context.Background(), Notification{Kind: KindStrategyLog})
}

func TestFromStrategyLog(t *testing.T) {
	ev := event.Decoded{
		Block:   77,
		TxHash:  common.HexToHash("0x01"),
		Payload: event.LogMessage{StrategyID: "s9", Message: "rebalanced"},
	}
	n := FromStrategyLog(ev, ev.Payload.(event.LogMessage))
	if n.Kind != KindStrategyLog || n.StrategyID != "s9" || n.Message != "rebalanced" || n.Block != 77 {
		t.Fatalf("notification = %+v", n)
	}
}

func TestFromEffectFailure(t *testing.T) {
	res := effect.Result{
		ActionID:   "0xdead",
		StrategyID: "s2",
		Status:     effect.StatusFailed,
		ErrorClass: "permanent: revert",
		Error:      "call reverted",
	}
	n := FromEffectFailure(res)
	if n.Kind != KindEffectFailed || n.ActionID != "0xdead" || n.ErrorClass != "permanent: revert" {
		t.Fatalf("notification = %+v", n)
	}
	if n.TxHash != "" {
		t.Fatalf("zero tx hash must stay empty, got %s", n.TxHash)
	}
}
