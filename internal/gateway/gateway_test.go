package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jmatts/parley/internal/chat"
	"github.com/jmatts/parley/internal/decide"
	"github.com/jmatts/parley/internal/engine"
	"github.com/jmatts/parley/internal/history"
	"github.com/jmatts/parley/internal/imagegen"
	"github.com/jmatts/parley/internal/persona"
	"github.com/jmatts/parley/internal/prompt"
	"github.com/jmatts/parley/internal/repetition"
	"github.com/jmatts/parley/internal/stats"
)

type scriptedGenerator struct {
	text string
}

func (g *scriptedGenerator) Generate(context.Context, string, map[string]any) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield(g.text, nil)
	}
}

func newTestGateway(t *testing.T, reply string, adjust func(*engine.Deps)) *Gateway {
	t.Helper()

	pers, err := persona.New("Marv", "", nil, "", nil)
	if err != nil {
		t.Fatalf("persona.New failed: %v", err)
	}
	decider, err := decide.New(decide.Config{Calibration: decide.DefaultCalibration()}, pers, nil)
	if err != nil {
		t.Fatalf("decide.New failed: %v", err)
	}

	deps := engine.Deps{
		Decider:   decider,
		Builder:   prompt.NewBuilder(pers, 730, nil),
		History:   history.NewStore(7),
		Guard:     repetition.NewGuard(2),
		Generator: &scriptedGenerator{text: reply},
		Stats:     stats.NewAggregate(),
	}
	if adjust != nil {
		adjust(&deps)
	}
	bot := engine.New(engine.Config{AIName: "Marv"}, deps, nil)

	gw := New(bot, "*", true, nil)
	bot.AttachMessenger(gw)
	bot.Start(context.Background())
	return gw
}

func readOp(t *testing.T, ctx context.Context, ws *websocket.Conn) outboundOp {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	var op outboundOp
	if err := json.Unmarshal(data, &op); err != nil {
		t.Fatalf("malformed outbound op %q: %v", data, err)
	}
	return op
}

func TestConnectorRoundTrip(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, "Hello. ", nil)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	frame := `{"type":"message","message_id":"m1","channel_id":"c1","author_id":"u1","author_name":"alice","body":"hey marv","mentions_bot":true}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	op := readOp(t, ctx, ws)
	if op.Type != "create" || op.ChannelID != "c1" {
		t.Fatalf("op = %+v", op)
	}
	if op.Text != "Hello." {
		t.Fatalf("op.Text = %q", op.Text)
	}
	if op.ReplyToID != "m1" {
		t.Fatal("explicit reply should carry the triggering message ID")
	}
	if op.MessageID == "" {
		t.Fatal("create op must carry a server-assigned message ID")
	}
}

func TestPingPong(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, "unused", nil)
	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if op := readOp(t, ctx, ws); op.Type != "pong" {
		t.Fatalf("op.Type = %q, want pong", op.Type)
	}
}

func TestImageRegenDoesNotBlockReadLoop(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	sd := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		png := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
		w.Write([]byte(`{"images":["` + png + `"]}`))
	}))
	defer sd.Close()

	gw := newTestGateway(t, "unused", func(deps *engine.Deps) {
		deps.ImageClient = imagegen.NewClient(imagegen.ClientConfig{BaseURL: sd.URL}, nil)
	})
	tracker := imagegen.NewRegenTracker(time.Minute, nil, nil)
	tracker.Offer("img-1", "c1", "a cat", "u1", false)
	gw.bot.AttachRegen(tracker)

	srv := httptest.NewServer(gw)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "done")

	frame := `{"type":"image_regen","channel_id":"c1","message_id":"img-1","user_id":"u1"}`
	if err := ws.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The render is still blocked on the SD server; the pong arriving
	// proves the read loop kept going.
	if op := readOp(t, ctx, ws); op.Type != "pong" {
		t.Fatalf("op.Type = %q, want pong", op.Type)
	}
	close(release)

	imageOp := readOp(t, ctx, ws)
	if imageOp.Type != "image" || imageOp.ChannelID != "c1" || imageOp.MessageID == "" {
		t.Fatalf("op = %+v", imageOp)
	}
	if deleteOp := readOp(t, ctx, ws); deleteOp.Type != "delete" || deleteOp.MessageID != "img-1" {
		t.Fatalf("op = %+v", deleteOp)
	}
}

func TestCreateMessageWithoutConnector(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, "unused", nil)
	_, err := gw.CreateMessage(context.Background(), "c1", "hello", chat.CreateOptions{})
	if !errors.Is(err, errNoConnector) {
		t.Fatalf("err = %v, want errNoConnector", err)
	}
}

func TestMessageEventConversion(t *testing.T) {
	t.Parallel()

	ev := inboundEvent{
		Type:        "message",
		MessageID:   "m1",
		ChannelID:   "c1",
		ChannelName: "general",
		AuthorID:    "u1",
		AuthorName:  "alice",
		Body:        "hello",
		IsDirect:    true,
		MentionsBot: true,
		Mentions:    []string{"bot"},
		AuthorIsBot: false,
		ChannelNSFW: true,
		Timestamp:   1700000000,
	}
	msg := messageEvent(ev)
	if msg.MessageID != "m1" || msg.ChannelID != "c1" || msg.ChannelName != "general" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.AuthorID != "u1" || msg.AuthorName != "alice" || msg.Body != "hello" {
		t.Fatalf("msg = %+v", msg)
	}
	if !msg.IsDirect || !msg.MentionsBot || msg.AuthorIsBot || !msg.ChannelNSFW {
		t.Fatalf("msg flags = %+v", msg)
	}
	if got := msg.Timestamp.Unix(); got != 1700000000 {
		t.Fatalf("timestamp = %d", got)
	}
}

func TestMessageEventFillsMissingTimestamp(t *testing.T) {
	t.Parallel()

	msg := messageEvent(inboundEvent{Type: "message", Body: "hi"})
	if msg.Timestamp.IsZero() {
		t.Fatal("missing timestamp should default to now")
	}
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed string
		isDev   bool
		origin  string
		want    bool
	}{
		{"dev mode allows anything", "https://app.example.com", true, "https://evil.example.com", true},
		{"wildcard allows anything", "*", false, "https://evil.example.com", true},
		{"no origin header allowed", "https://app.example.com", false, "", true},
		{"matching origin allowed", "https://app.example.com", false, "https://app.example.com", true},
		{"mismatched origin rejected", "https://app.example.com", false, "https://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := &Gateway{allowedOrigin: tt.allowed, isDev: tt.isDev, logger: slog.Default()}
			r := httptest.NewRequest(http.MethodGet, "/ws/gateway", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := g.checkOrigin(r); got != tt.want {
				t.Fatalf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}
