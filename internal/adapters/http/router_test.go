package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/wdi/internal/adapters/ws"
	"github.com/dkeye/wdi/internal/app"
	"github.com/dkeye/wdi/internal/config"
	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/media"
	"github.com/dkeye/wdi/internal/session"
	"github.com/dkeye/wdi/internal/testutil/fakertc"
	"github.com/dkeye/wdi/internal/testutil/testlog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second

type fixture struct {
	srv     *httptest.Server
	orch    *app.Orchestrator
	clients chan *fakertc.Transport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testlog.Start(t)
	f := &fixture{clients: make(chan *fakertc.Transport, 4)}
	f.orch = app.NewOrchestrator(func(domain.SessionID) (core.Transport, error) {
		client, server := fakertc.Pair()
		f.clients <- client
		return server, nil
	})
	cfg := &config.Config{Mode: "test", Secret: "test-secret", ReadLimit: 1 << 20}
	f.srv = httptest.NewServer(SetupRouter(cfg, f.orch))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		_ = f.orch.Close(ctx)
		f.srv.Close()
	})
	return f
}

func (f *fixture) getJSON(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp
}

func TestHealthzSetsClientCookie(t *testing.T) {
	f := newFixture(t)
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	resp := f.getJSON(t, "/healthz", &body)
	assert.Equal(t, "ok", body.Status)
	assert.Zero(t, body.Sessions)

	var names []string
	for _, c := range resp.Cookies() {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "WDISessions")
}

func TestSignalEndpointAcceptsSessions(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws/signal"
	ch, err := ws.Dial(ctx, url, ws.WithPingPeriod(0))
	require.NoError(t, err)

	client := session.New(<-f.clients)
	defer client.Close()
	require.NoError(t, client.AttachChannel(ch))

	track, err := media.NewRTPTrack(media.VP8, "v", "s1")
	require.NoError(t, err)
	require.NoError(t, client.AddStreamURL(ctx, media.NewStream("s1", track), "rtsp://cam"))

	require.Eventually(t, func() bool {
		var body struct {
			Streams []streamDTO `json:"streams"`
		}
		f.getJSON(t, "/api/streams", &body)
		return len(body.Streams) == 1 && body.Streams[0].Identity.URL() == "rtsp://cam"
	}, wait, 10*time.Millisecond)

	var body struct {
		Sessions []sessionDTO `json:"sessions"`
	}
	f.getJSON(t, "/api/sessions", &body)
	require.Len(t, body.Sessions, 1)
	assert.True(t, body.Sessions[0].Polite)
	assert.Equal(t, 1, body.Sessions[0].Streams)
}

func TestHugeFrameGetsDiagnosticsBeforeClose(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws/signal"
	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer raw.Close()
	_ = raw.SetReadDeadline(time.Now().Add(wait))

	huge := `{"type":"x","pad":"` + strings.Repeat("a", 3<<19) + `"}`
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(huge)))

	var m map[string]any
	for m["type"] != "diagnostics" {
		_, data, err := raw.ReadMessage()
		require.NoError(t, err)
		m = nil
		require.NoError(t, json.Unmarshal(data, &m))
	}
	assert.Equal(t, "message-too-long", m["code"])

	_, _, err = raw.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
