package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeOoba speaks the text-generation-webui streaming protocol: read
// one request, emit the scripted events, close.
func fakeOoba(t *testing.T, fragments []string, capture func(map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != streamPath {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			// The readiness check dials and hangs up without a request.
			return
		}
		var req map[string]any
		if err := json.Unmarshal(data, &req); err != nil {
			t.Errorf("malformed request: %v", err)
			return
		}
		if capture != nil {
			capture(req)
		}

		for _, text := range fragments {
			ev, _ := json.Marshal(streamEvent{Event: "text_stream", Text: text})
			if err := conn.Write(ctx, websocket.MessageText, ev); err != nil {
				return
			}
		}
		end, _ := json.Marshal(streamEvent{Event: "stream_end"})
		conn.Write(ctx, websocket.MessageText, end)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestGenerateStreamsFragments(t *testing.T) {
	t.Parallel()

	reqCh := make(chan map[string]any, 1)
	srv := fakeOoba(t, []string{"Hello", " there", "."}, func(req map[string]any) {
		reqCh <- req
	})
	defer srv.Close()

	c, err := NewOobaClient(OobaClientConfig{
		BaseURL:   wsURL(srv),
		StopWords: []string{"<|endoftext|>"},
	}, nil)
	if err != nil {
		t.Fatalf("NewOobaClient failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []string
	for fragment, err := range c.Generate(ctx, "Marv says:\n", nil) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		got = append(got, fragment)
	}

	if strings.Join(got, "") != "Hello there." {
		t.Fatalf("fragments = %q", got)
	}
	gotReq := <-reqCh
	if gotReq["prompt"] != "Marv says:\n" {
		t.Fatalf("prompt = %v", gotReq["prompt"])
	}
	stops, ok := gotReq["stopping_strings"].([]any)
	if !ok || len(stops) != 1 || stops[0] != "<|endoftext|>" {
		t.Fatalf("stopping_strings = %v", gotReq["stopping_strings"])
	}
	if gotReq["max_new_tokens"] == nil {
		t.Fatal("default request parameters missing from request body")
	}
}

func TestGenerateStopsWhenConsumerBails(t *testing.T) {
	t.Parallel()

	srv := fakeOoba(t, []string{"One. ", "Two. ", "Three. "}, nil)
	defer srv.Close()

	c, err := NewOobaClient(OobaClientConfig{BaseURL: wsURL(srv)}, nil)
	if err != nil {
		t.Fatalf("NewOobaClient failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []string
	for fragment, err := range c.Generate(ctx, "prompt", nil) {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		got = append(got, fragment)
		break
	}
	if len(got) != 1 || got[0] != "One. " {
		t.Fatalf("fragments = %q", got)
	}
}

func TestGenerateRejectsUnknownEvent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		conn.Write(ctx, websocket.MessageText, []byte(`{"event":"surprise"}`))
	}))
	defer srv.Close()

	c, err := NewOobaClient(OobaClientConfig{BaseURL: wsURL(srv)}, nil)
	if err != nil {
		t.Fatalf("NewOobaClient failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var streamErr error
	for _, err := range c.Generate(ctx, "prompt", nil) {
		if err != nil {
			streamErr = err
			break
		}
	}
	if streamErr == nil || !strings.Contains(streamErr.Error(), "unexpected stream event") {
		t.Fatalf("err = %v", streamErr)
	}
}

func TestNewOobaClientFailsFastWhenUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewOobaClient(OobaClientConfig{
		BaseURL:        wsURL(srv),
		ConnectTimeout: time.Second,
	}, nil)
	if err == nil {
		t.Fatal("expected a startup dial failure")
	}
}
