package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// fakeTelegramServer stands in for api.telegram.org: it answers getMe (used
// by NewBotAPI to validate the token) and records every sendMessage call.
type fakeTelegramServer struct {
	mu       sync.Mutex
	sent     []string
	fail     bool
}

func (f *fakeTelegramServer) handler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.Contains(r.URL.Path, "getMe"):
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": tgbotapi.User{ID: 1, FirstName: "procgate", UserName: "procgate_bot"},
		})
	case strings.Contains(r.URL.Path, "sendMessage"):
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail {
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "boom"})
			return
		}
		r.ParseForm()
		f.sent = append(f.sent, r.FormValue("text"))
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": tgbotapi.Message{MessageID: len(f.sent)},
		})
	default:
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}

func newTestTelegram(t *testing.T, fail bool) (*Telegram, *fakeTelegramServer) {
	t.Helper()
	srv := &fakeTelegramServer{fail: fail}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint("test-token", ts.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("fake bot init: %v", err)
	}
	bot.Debug = false
	return &Telegram{bot: bot, chatID: 99, log: nil}, srv
}

func TestUnexpectedExitSendsMessage(t *testing.T) {
	tg, srv := newTestTelegram(t, false)
	tg.log = discardLogger()

	tg.UnexpectedExit("backend-a")

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.sent) != 1 || !strings.Contains(srv.sent[0], "backend-a") {
		t.Fatalf("expected one message mentioning backend-a, got %+v", srv.sent)
	}
}

func TestKillEscalationSendSwallowsFailure(t *testing.T) {
	tg, _ := newTestTelegram(t, true)
	tg.log = discardLogger()

	// Must not panic even though the fake server reports ok=false.
	tg.KillEscalation("backend-b")
}

func TestNoopDoesNothing(t *testing.T) {
	var n Noop
	n.UnexpectedExit("x")
	n.KillEscalation("y")
}
