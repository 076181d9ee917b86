package gen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientGenerate(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer k" {
			t.Errorf("auth = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":" hello "}}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second)
	text, err := c.Generate(context.Background(), Config{
		Model:        "m",
		SystemPrompt: "sys",
	}, []Turn{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello" {
		t.Fatalf("text = %q", text)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", got.Messages)
	}
}

func TestClientGenerateErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	if _, err := c.Generate(context.Background(), Config{Model: "m"}, nil); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestScriptedRepeatsLast(t *testing.T) {
	s := &Scripted{Replies: []string{"a", "b"}}
	for _, want := range []string{"a", "b", "b"} {
		got, err := s.Generate(context.Background(), Config{}, nil)
		if err != nil || got != want {
			t.Fatalf("got %q, %v; want %q", got, err, want)
		}
	}
	if len(s.Calls) != 3 {
		t.Fatalf("calls = %d", len(s.Calls))
	}
}
