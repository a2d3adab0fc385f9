package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAnthropicEngine_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("X-Api-Key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Rockets", " are fun"} {
			fmt.Fprintf(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":%q}}\n\n", text)
		}
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	e := NewAnthropicEngine("test-key", srv.URL)
	var got strings.Builder
	err := e.Generate(context.Background(), GenerateRequest{Model: "claude-3-5-haiku-latest", Prompt: "Elon:"}, func(s string) error {
		got.WriteString(s)
		return nil
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got.String() != "Rockets are fun" {
		t.Errorf("got %q", got.String())
	}
}

func TestAnthropicEngine_EmbedUnsupported(t *testing.T) {
	e := NewAnthropicEngine("k", "")
	if _, err := e.Embed(context.Background(), "m", "text"); err == nil {
		t.Error("expected error from Embed")
	}
}
