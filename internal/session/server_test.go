package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/simrunner/internal/auth"
	"github.com/signalsfoundry/simrunner/internal/control"
	"github.com/signalsfoundry/simrunner/internal/framecodec"
	"github.com/signalsfoundry/simrunner/internal/runner"
)

type testServer struct {
	url      string
	registry *runner.Registry
	manager  *Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := newTestRegistry(t, syntheticEngine())
	m := NewManager(reg, nil)
	resolver := auth.NewStaticTokenResolver(map[string]string{"a-token": "acme", "g-token": "globex"})
	cfg := DefaultServerConfig()
	cfg.PingInterval = 50 * time.Millisecond
	srv := NewServer(m, reg, resolver, cfg, nil)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		m.Close()
		hs.Close()
	})
	return &testServer{url: hs.URL, registry: reg, manager: m}
}

func (ts *testServer) post(t *testing.T, path, token string, body any) (int, CommandResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, ts.url+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out CommandResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (ts *testServer) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.url, "http") + path
	c, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// readUntil reads messages until match returns true or the deadline passes.
func readUntil(t *testing.T, c *websocket.Conn, what string, match func(mt int, data []byte) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = c.SetReadDeadline(deadline)
		mt, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(mt, data) {
			return
		}
	}
}

func statusIs(state string) func(int, []byte) bool {
	return func(mt int, data []byte) bool {
		if mt != websocket.TextMessage {
			return false
		}
		var st runner.Status
		return json.Unmarshal(data, &st) == nil && st.Type == runner.MessageTypeStatus && st.State == state
	}
}

func TestViewerSocketEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	c := ts.dial(t, "/ws/viewer?token=a-token")

	var hello Hello
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := c.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != MessageTypeHello || hello.Tenant != "acme" || hello.ViewerID == "" {
		t.Fatalf("unexpected hello %+v", hello)
	}
	if p := hello.Reconnect.Policy(); p != DefaultReconnectPolicy() {
		t.Fatalf("advertised policy %+v", p)
	}
	readUntil(t, c, "lobby idle status", statusIs("idle"))

	code, resp := ts.post(t, "/api/v1/session/start", "a-token", StartRequest{Scenarios: scenarios("town01")})
	if code != http.StatusAccepted || !resp.Accepted || resp.RunnerID == "" {
		t.Fatalf("start = %d %+v", code, resp)
	}
	readUntil(t, c, "starting", statusIs("starting"))
	readUntil(t, c, "running", statusIs("running"))

	var last uint64
	frames := 0
	readUntil(t, c, "three binary frames", func(mt int, data []byte) bool {
		if mt != websocket.BinaryMessage {
			return false
		}
		f, err := framecodec.UnmarshalBinary(data)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f.Seq < last {
			t.Fatalf("frame seq went backwards: %d after %d", f.Seq, last)
		}
		last = f.Seq
		frames++
		return frames == 3
	})

	code, resp = ts.post(t, "/api/v1/session/start", "a-token", StartRequest{Scenarios: scenarios("town02")})
	if code != http.StatusConflict || resp.Code != "already_running" {
		t.Fatalf("second start = %d %+v", code, resp)
	}
	code, resp = ts.post(t, "/api/v1/session/skip", "a-token", nil)
	if code != http.StatusConflict || resp.Code != "cannot_skip" {
		t.Fatalf("skip single scenario = %d %+v", code, resp)
	}

	code, _ = ts.post(t, "/api/v1/session/stop", "a-token", nil)
	if code != http.StatusAccepted {
		t.Fatalf("stop = %d", code)
	}
	readUntil(t, c, "idle after stop", statusIs("idle"))

	// The viewer survives the session and sees the next one.
	waitFor(t, "viewer back in lobby", func() bool {
		waiting, _ := ts.manager.Viewers("acme")
		return waiting == 1
	})
	code, _ = ts.post(t, "/api/v1/session/start", "a-token", StartRequest{Scenarios: scenarios("town03")})
	if code != http.StatusAccepted {
		t.Fatalf("restart = %d", code)
	}
	readUntil(t, c, "running again", statusIs("running"))
}

func TestJSONFrameEncoding(t *testing.T) {
	ts := newTestServer(t)
	if code, _ := ts.post(t, "/api/v1/session/start", "g-token", StartRequest{Scenarios: scenarios("town01")}); code != http.StatusAccepted {
		t.Fatalf("start = %d", code)
	}
	c := ts.dial(t, "/ws/viewer?token=g-token&frames=json")
	readUntil(t, c, "json frame envelope", func(mt int, data []byte) bool {
		if mt != websocket.TextMessage {
			t.Fatalf("json viewer received a binary message")
		}
		f, err := framecodec.UnmarshalJSONEnvelope(data)
		return err == nil && f.Format == framecodec.FormatPNG && len(f.Data) > 0
	})
}

func TestRESTRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	if code, resp := ts.post(t, "/api/v1/session/start", "", StartRequest{Scenarios: scenarios("x")}); code != http.StatusUnauthorized || resp.Code != "unauthenticated" {
		t.Fatalf("no token = %d %+v", code, resp)
	}
	if code, resp := ts.post(t, "/api/v1/session/start", "a-token", StartRequest{}); code != http.StatusBadRequest || resp.Code != "empty_scenario_list" {
		t.Fatalf("empty list = %d %+v", code, resp)
	}
	if code, resp := ts.post(t, "/api/v1/session/stop", "a-token", nil); code != http.StatusConflict || resp.Code != "not_running" {
		t.Fatalf("stop idle = %d %+v", code, resp)
	}

	u := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws/viewer?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated viewer dial: err=%v resp=%v", err, resp)
	}

	u = "ws" + strings.TrimPrefix(ts.url, "http") + "/ws/viewer?token=a-token&frames=xml"
	_, resp, err = websocket.DefaultDialer.Dial(u, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad encoding dial: err=%v resp=%v", err, resp)
	}

	res, err := http.Get(ts.url + "/healthz")
	if err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", err, res)
	}
	res.Body.Close()
}

func TestControlSocket(t *testing.T) {
	ts := newTestServer(t)
	if code, _ := ts.post(t, "/api/v1/session/start", "a-token", StartRequest{Scenarios: scenarios("town01")}); code != http.StatusAccepted {
		t.Fatalf("start = %d", code)
	}
	rn, _ := ts.registry.Lookup("acme")
	waitFor(t, "running", func() bool { return rn.State() == runner.StateRunning })

	first := ts.dial(t, "/ws/control?token=a-token&controller=keyboard")
	if err := first.WriteJSON(control.Command{Steer: 1.5}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var reply ControlReply
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := first.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != "error" || reply.Code != "invalid_range" {
		t.Fatalf("reply = %+v", reply)
	}
	// The connection stays open after an invalid command.
	if err := first.WriteJSON(control.Command{Steer: -1, Throttle: 0.3}); err != nil {
		t.Fatalf("write valid command: %v", err)
	}

	second := ts.dial(t, "/ws/control?token=a-token&controller=gamepad")
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := first.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != CloseDisplaced {
		t.Fatalf("first control read after displacement = %v, want close %d", err, CloseDisplaced)
	}

	if err := second.WriteJSON(control.Command{Axes: []float64{0.25}, Buttons: make([]float64, 8)}); err != nil {
		t.Fatalf("second write: %v", err)
	}
	_ = second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatalf("valid gamepad command produced a reply")
	}
}

func TestControlSocketRejectsForeignRunner(t *testing.T) {
	ts := newTestServer(t)
	rn, err := ts.registry.Start(context.Background(), "globex", scenarios("town01"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	u := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws/control?token=a-token&runner=" + rn.ID()
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign runner dial: err=%v resp=%v", err, resp)
	}
	if rn.State() == runner.StateStopping || rn.State() == runner.StateError {
		t.Fatalf("rejected control affected the runner")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{auth.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
		{control.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
		{control.ErrInvalidRange, http.StatusBadRequest, "invalid_range"},
		{runner.ErrAlreadyRunning, http.StatusConflict, "already_running"},
		{runner.ErrTransitionInProgress, http.StatusConflict, "transition_in_progress"},
		{runner.ErrCannotSkip, http.StatusConflict, "cannot_skip"},
		{runner.ErrRegistryClosed, http.StatusServiceUnavailable, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range tests {
		status, code := HTTPStatus(tc.err)
		if status != tc.status || code != tc.code {
			t.Errorf("HTTPStatus(%v) = %d %q, want %d %q", tc.err, status, code, tc.status, tc.code)
		}
	}
}
