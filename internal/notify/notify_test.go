package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ralphbot/ralph/internal/config"
)

func TestDispatcherFiltersEventTypes(t *testing.T) {
	var got []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		got = append(got, body["type"].(string))
	}))
	defer ts.Close()

	d := NewDispatcher(config.NotifyConfig{
		Webhook: config.WebhookConfig{URL: ts.URL},
	})
	if !d.IsAnyConfigured() {
		t.Fatal("webhook channel not configured")
	}

	// Defaults: escalated notifies, merged does not.
	d.Notify(context.Background(), Event{Type: "escalated", Title: "stuck"})
	d.Notify(context.Background(), Event{Type: "merged", Title: "routine"})

	if len(got) != 1 || got[0] != "escalated" {
		t.Errorf("delivered types = %v, want [escalated]", got)
	}
}

func TestDispatcherExplicitEventList(t *testing.T) {
	var count int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count++
	}))
	defer ts.Close()

	d := NewDispatcher(config.NotifyConfig{
		Webhook: config.WebhookConfig{URL: ts.URL},
		Events:  []string{"merged"},
	})
	d.Notify(context.Background(), Event{Type: "merged"})
	d.Notify(context.Background(), Event{Type: "escalated"})

	if count != 1 {
		t.Errorf("deliveries = %d, want 1 (only merged enabled)", count)
	}
}

func TestWebhookSignsPayload(t *testing.T) {
	secret := "hunter2"
	var gotSig string
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Ralph-Signature")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer ts.Close()

	ch := NewWebhook(config.WebhookConfig{URL: ts.URL, Secret: secret})
	err := ch.Send(context.Background(), Event{
		Type:     "blocked",
		Title:    "octo/widgets#7 blocked",
		RepoSlug: "octo/widgets",
		Issue:    7,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}

	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["repo"] != "octo/widgets" || payload["issue"] != float64(7) {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebhookSurfacesHTTPErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	ch := NewWebhook(config.WebhookConfig{URL: ts.URL})
	if err := ch.Send(context.Background(), Event{Type: "escalated"}); err == nil {
		t.Error("502 did not surface as error")
	}
}

func TestSlackPayloadShape(t *testing.T) {
	var payload map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&payload)
	}))
	defer ts.Close()

	ch := NewSlack(config.SlackConfig{WebhookURL: ts.URL, Channel: "#bots"})
	err := ch.Send(context.Background(), Event{
		Type:  "escalated",
		Title: "octo/widgets#7 needs a human",
		Body:  "agent failed three times",
		URL:   "https://github.com/octo/widgets/issues/7",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if payload["channel"] != "#bots" || payload["text"] != "octo/widgets#7 needs a human" {
		t.Errorf("payload = %v", payload)
	}
	atts := payload["attachments"].([]any)
	att := atts[0].(map[string]any)
	if att["title_link"] != "https://github.com/octo/widgets/issues/7" {
		t.Errorf("attachment = %v", att)
	}
	if att["color"] != "#FF0000" {
		t.Errorf("color = %v", att["color"])
	}
}

func TestUnconfiguredChannelsInactive(t *testing.T) {
	d := NewDispatcher(config.NotifyConfig{})
	if d.IsAnyConfigured() {
		t.Error("empty config reported a configured channel")
	}
	// Safe no-op with no channels.
	d.Notify(context.Background(), Event{Type: "escalated"})
}
