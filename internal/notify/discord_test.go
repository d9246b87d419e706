package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jacklau/dupes/internal/report"
)

func TestBuildDiscordPayload_Structure(t *testing.T) {
	payload := BuildDiscordPayload(sampleReport())

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}

	embeds, ok := parsed["embeds"].([]interface{})
	if !ok || len(embeds) != 1 {
		t.Fatal("expected exactly 1 embed")
	}
	embed := embeds[0].(map[string]interface{})

	if title := embed["title"].(string); title != "Duplicate analysis: owner/repo" {
		t.Errorf("unexpected title %q", title)
	}
	if url := embed["url"].(string); url != "https://github.com/owner/repo/issues" {
		t.Errorf("unexpected URL: %q", url)
	}
	if color := int(embed["color"].(float64)); color != discordColorDuplicates {
		t.Errorf("expected duplicates color, got %d", color)
	}
	if desc := embed["description"].(string); !strings.Contains(desc, "startup and login") {
		t.Errorf("expected summary description, got %q", desc)
	}

	fields := embed["fields"].([]interface{})
	if len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
	pairs := fields[1].(map[string]interface{})
	if pairs["name"] != "Duplicate Pairs (2)" {
		t.Errorf("unexpected field name %v", pairs["name"])
	}
	if !strings.Contains(pairs["value"].(string), "#7 ↔ #81 — 91% similar") {
		t.Errorf("unexpected pairs value %q", pairs["value"])
	}

	footer := embed["footer"].(map[string]interface{})
	if footer["text"] != "dupes - job job-123" {
		t.Errorf("unexpected footer %v", footer["text"])
	}
}

func TestBuildDiscordPayload_NoPairs(t *testing.T) {
	r := sampleReport()
	r.Pairs = nil
	r.Summary = ""

	payload := BuildDiscordPayload(r)
	embed := payload.Embeds[0]
	if embed.Color != discordColorClean {
		t.Errorf("expected clean color, got %d", embed.Color)
	}
	if embed.Fields[1].Value != "None found" {
		t.Errorf("expected none found, got %q", embed.Fields[1].Value)
	}

	data, _ := json.Marshal(payload)
	if strings.Contains(string(data), `"description"`) {
		t.Error("expected description to be omitted when there is no summary")
	}
}

func TestDiscordNotifier_Notify_Success(t *testing.T) {
	var received discordPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewDiscordNotifier(server.URL)
	if err := notifier.Notify(context.Background(), sampleReport()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(received.Embeds) != 1 {
		t.Errorf("expected 1 embed, got %d", len(received.Embeds))
	}
}

func TestDiscordNotifier_Notify_RetryOnError(t *testing.T) {
	var callCount atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := NewDiscordNotifier(server.URL)
	if err := notifier.Notify(context.Background(), sampleReport()); err == nil {
		t.Fatal("expected error after retries")
	}
	if got := callCount.Load(); got != deliveryAttempts {
		t.Errorf("expected %d calls, got %d", deliveryAttempts, got)
	}
}
