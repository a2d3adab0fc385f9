package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/kalambet/companion/internal/engine"
)

func chatReq(companionID, prompt string) *http.Request {
	body, _ := json.Marshal(map[string]string{"prompt": prompt})
	return authReq(http.MethodPost, "/api/chat/"+companionID, string(body), testToken)
}

func TestChat_StreamsFirstLine(t *testing.T) {
	env := setupHandler(t, testToken, 10)
	env.engine.generateFn = replyWith("Hi there,", " friend\nUser: ", "more")

	rr := env.serve(asUser(chatReq("c1", "Hello"), "u1", "Ada"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if got := rr.Body.String(); got != "Hi there friend" {
		t.Errorf("body = %q, want %q", got, "Hi there friend")
	}

	rr = env.serve(asUser(authReq(http.MethodGet, "/api/chat/c1/messages", "", testToken), "u1", "Ada"))
	if rr.Code != http.StatusOK {
		t.Fatalf("messages status = %d", rr.Code)
	}
	var msgs []messageView
	if err := json.NewDecoder(rr.Body).Decode(&msgs); err != nil {
		t.Fatalf("decoding messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "Hello" {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != "system" || msgs[1].Content != "Hi there friend" {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestChat_HistoryEndpoint(t *testing.T) {
	env := setupHandler(t, testToken, 10)
	env.engine.generateFn = replyWith("Good to see you")

	if rr := env.serve(asUser(chatReq("c1", "Hello"), "u1", "Ada")); rr.Code != http.StatusOK {
		t.Fatalf("chat status = %d", rr.Code)
	}

	rr := env.serve(asUser(authReq(http.MethodGet, "/api/chat/c1/history", "", testToken), "u1", "Ada"))
	if rr.Code != http.StatusOK {
		t.Fatalf("history status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		Lines []string `json:"lines"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if len(body.Lines) != 4 {
		t.Fatalf("lines = %q, want 2 seed lines + 2 turns", body.Lines)
	}
	if body.Lines[2] != "User: Hello" || body.Lines[3] != "Good to see you" {
		t.Errorf("turns = %q", body.Lines[2:])
	}

	// Another user sees nothing.
	rr = env.serve(asUser(authReq(http.MethodGet, "/api/chat/c1/history", "", testToken), "u2", "Bob"))
	json.NewDecoder(rr.Body).Decode(&body)
	if len(body.Lines) != 0 {
		t.Errorf("u2 lines = %q, want none", body.Lines)
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name     string
		req      *http.Request
		wantCode int
		wantBody string
	}{
		{"no identity", chatReq("c1", "Hello"), http.StatusUnauthorized, "Unauthorized"},
		{"missing name", asUser(chatReq("c1", "Hello"), "u1", ""), http.StatusUnauthorized, "Unauthorized"},
		{"unknown companion", asUser(chatReq("nope", "Hello"), "u1", "Ada"), http.StatusNotFound, "Companion not found"},
		{"bad body", asUser(authReq(http.MethodPost, "/api/chat/c1", "{", testToken), "u1", "Ada"), http.StatusBadRequest, "Bad Request"},
		{"empty prompt", asUser(chatReq("c1", "  "), "u1", "Ada"), http.StatusBadRequest, "Bad Request"},
		{"bad body without identity", authReq(http.MethodPost, "/api/chat/c1", "{", testToken), http.StatusUnauthorized, "Unauthorized"},
		{"empty prompt without identity", chatReq("c1", "  "), http.StatusUnauthorized, "Unauthorized"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupHandler(t, testToken, 10)
			rr := env.serve(tt.req)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if got := strings.TrimSpace(rr.Body.String()); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}
		})
	}
}

func TestChat_RateLimited(t *testing.T) {
	env := setupHandler(t, testToken, 2)

	for i := 0; i < 2; i++ {
		if rr := env.serve(asUser(chatReq("c1", "Hello"), "u1", "Ada")); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, rr.Code)
		}
	}
	rr := env.serve(asUser(chatReq("c1", "Hello"), "u1", "Ada"))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "Rate limit exceeded" {
		t.Errorf("body = %q", rr.Body.String())
	}
	secs, err := strconv.Atoi(rr.Header().Get("Retry-After"))
	if err != nil || secs < 1 || secs > 60 {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}

	// Other users keep their own budget.
	if rr := env.serve(asUser(chatReq("c1", "Hello"), "u2", "Bob")); rr.Code != http.StatusOK {
		t.Errorf("u2 status = %d, want 200", rr.Code)
	}
}

func TestChat_ModelFailureIsEmptyReply(t *testing.T) {
	env := setupHandler(t, testToken, 10)
	env.engine.generateFn = func(context.Context, engine.GenerateRequest, func(string) error) error {
		return errors.New("model down")
	}

	rr := env.serve(asUser(chatReq("c1", "Hello"), "u1", "Ada"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rr.Body.String())
	}

	msgs, err := env.store.ListMessages("c1", "u1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want only the user turn", len(msgs))
	}
}

func TestMessages_RequiresUserAndCompanion(t *testing.T) {
	env := setupHandler(t, testToken, 10)

	rr := env.serve(authReq(http.MethodGet, "/api/chat/c1/messages", "", testToken))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no user: status = %d, want 401", rr.Code)
	}
	rr = env.serve(asUser(authReq(http.MethodGet, "/api/chat/nope/messages", "", testToken), "u1", "Ada"))
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown companion: status = %d, want 404", rr.Code)
	}
	rr = env.serve(asUser(authReq(http.MethodGet, "/api/chat/c1/messages", "", testToken), "u1", "Ada"))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty log: status = %d body = %q", rr.Code, rr.Body.String())
	}
}
