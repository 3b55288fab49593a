package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/ngome/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedServer is an in-test gateway. It sends the challenge on accept,
// answers connect according to wantToken, and hands every later request to
// handle on its own goroutine so slow responses do not block the socket.
type scriptedServer struct {
	t         *testing.T
	wantToken string
	handle    func(sc *serverConn, frame protocol.Frame)

	// rejectConnect, when set, refuses every connect request with this
	// error regardless of the token.
	rejectConnect *protocol.FrameError
}

type serverConn struct {
	t       *testing.T
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (sc *serverConn) send(frame protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		sc.t.Errorf("marshaling server frame: %v", err)
		return
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	sc.conn.Write(context.Background(), websocket.MessageText, data)
}

func (sc *serverConn) respond(id string, ok bool, payload any, ferr *protocol.FrameError) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	sc.send(protocol.Frame{Type: protocol.FrameResponse, ID: id, OK: &ok, Payload: raw, Error: ferr})
}

func (sc *serverConn) event(name string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	sc.send(protocol.Frame{Type: protocol.FrameEvent, Event: name, Payload: raw})
}

func (s *scriptedServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Errorf("accept: %v", err)
		return
	}
	sc := &serverConn{t: s.t, conn: conn}

	// Noise before the challenge must not confuse the client.
	sc.event(protocol.EventTick, nil)
	sc.event(protocol.EventChallenge, nil)

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.t.Errorf("unmarshaling client frame: %v", err)
			continue
		}
		if frame.Method == protocol.MethodConnect {
			var params protocol.ConnectParams
			if err := json.Unmarshal(frame.Params, &params); err != nil {
				s.t.Errorf("unmarshaling connect params: %v", err)
			}
			if s.rejectConnect != nil {
				sc.respond(frame.ID, false, nil, s.rejectConnect)
				continue
			}
			if params.Auth.Token != s.wantToken {
				sc.respond(frame.ID, false, nil, &protocol.FrameError{Code: "auth_failed", Message: "bad token"})
				continue
			}
			sc.respond(frame.ID, true, protocol.ConnectResult{ProtocolVersion: params.MaxProtocolVersion}, nil)
			continue
		}
		go s.handle(sc, frame)
	}
}

func startServer(t *testing.T, s *scriptedServer) string {
	t.Helper()
	s.t = t
	srv := httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, url, token string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: url, Token: token, MinProtocol: 1, MaxProtocol: 3}, testLogger())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDial_HandshakeSucceeds(t *testing.T) {
	srv := &scriptedServer{wantToken: "secret", handle: func(*serverConn, protocol.Frame) {}}
	c := dialTest(t, startServer(t, srv), "secret")
	if c.Closed() {
		t.Error("client closed right after a successful handshake")
	}
}

func TestDial_BadTokenFailsBeforeAnyUse(t *testing.T) {
	srv := &scriptedServer{wantToken: "secret", handle: func(*serverConn, protocol.Frame) {}}
	url := startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{URL: url, Token: "wrong", MinProtocol: 1, MaxProtocol: 3}, testLogger())
	if err == nil {
		t.Fatal("dial succeeded with a bad token")
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != CodeAuthFailed {
		t.Errorf("error = %v, want code %s", err, CodeAuthFailed)
	}
}

func TestDial_NonAuthRejectionKeepsServerCode(t *testing.T) {
	srv := &scriptedServer{
		wantToken:     "secret",
		handle:        func(*serverConn, protocol.Frame) {},
		rejectConnect: &protocol.FrameError{Code: "protocol_mismatch", Message: "supported range is 4..6"},
	}
	url := startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{URL: url, Token: "secret", MinProtocol: 1, MaxProtocol: 3}, testLogger())
	if err == nil {
		t.Fatal("dial succeeded despite the rejection")
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want a protocol error", err)
	}
	if perr.Code != "protocol_mismatch" {
		t.Errorf("code = %q, want the server's protocol_mismatch, not %q", perr.Code, CodeAuthFailed)
	}
}

func TestRequest_ConcurrentCorrelation(t *testing.T) {
	// Responses are deliberately delivered out of order; each caller must
	// still get the response for its own id.
	srv := &scriptedServer{wantToken: "secret", handle: func(sc *serverConn, frame protocol.Frame) {
		var params struct {
			N int `json:"n"`
		}
		json.Unmarshal(frame.Params, &params)
		time.Sleep(time.Duration(10-params.N) * 10 * time.Millisecond)
		sc.respond(frame.ID, true, map[string]int{"n": params.N}, nil)
	}}
	c := dialTest(t, startServer(t, srv), "secret")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload, err := c.Request(context.Background(), "echo", map[string]int{"n": n}, 5*time.Second)
			if err != nil {
				t.Errorf("request %d: %v", n, err)
				return
			}
			var got struct {
				N int `json:"n"`
			}
			if err := json.Unmarshal(payload, &got); err != nil {
				t.Errorf("request %d: decoding payload: %v", n, err)
				return
			}
			if got.N != n {
				t.Errorf("request %d got response for %d", n, got.N)
			}
		}(i)
	}
	wg.Wait()
}

func TestRequest_TimeoutThenLateResponseIgnored(t *testing.T) {
	release := make(chan struct{})
	srv := &scriptedServer{wantToken: "secret", handle: func(sc *serverConn, frame protocol.Frame) {
		if frame.Method == "slow" {
			<-release
		}
		sc.respond(frame.ID, true, nil, nil)
	}}
	c := dialTest(t, startServer(t, srv), "secret")

	_, err := c.Request(context.Background(), "slow", nil, 50*time.Millisecond)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != CodeRequestTimeout {
		t.Fatalf("error = %v, want code %s", err, CodeRequestTimeout)
	}

	// The late response must be dropped and the connection must stay
	// usable for the next request.
	close(release)
	time.Sleep(50 * time.Millisecond)
	if c.Closed() {
		t.Fatal("client closed by a late response")
	}
	if _, err := c.Request(context.Background(), "fast", nil, 2*time.Second); err != nil {
		t.Errorf("follow-up request: %v", err)
	}
}

func TestRequest_ErrorResponse(t *testing.T) {
	srv := &scriptedServer{wantToken: "secret", handle: func(sc *serverConn, frame protocol.Frame) {
		sc.respond(frame.ID, false, nil, &protocol.FrameError{Code: "not_found", Message: "no such agent"})
	}}
	c := dialTest(t, startServer(t, srv), "secret")

	_, err := c.Request(context.Background(), "agent", nil, 2*time.Second)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != "not_found" {
		t.Errorf("error = %v, want code not_found", err)
	}
}

func TestAgent_RequiresSessionKey(t *testing.T) {
	srv := &scriptedServer{wantToken: "secret", handle: func(*serverConn, protocol.Frame) {}}
	c := dialTest(t, startServer(t, srv), "secret")

	_, err := c.Agent(context.Background(), protocol.AgentParams{Message: "hi", AgentID: "a1"}, time.Second)
	if err == nil {
		t.Error("agent call accepted without a session key")
	}
}

func TestOnEvent_ReceivesServerPush(t *testing.T) {
	srv := &scriptedServer{wantToken: "secret", handle: func(sc *serverConn, frame protocol.Frame) {
		sc.event(protocol.EventAgent, protocol.AgentEventPayload{SessionKey: "s1", Kind: protocol.AgentEventDelta, Delta: "hel"})
		sc.respond(frame.ID, true, nil, nil)
	}}
	c := dialTest(t, startServer(t, srv), "secret")

	got := make(chan protocol.AgentEventPayload, 1)
	unsub := c.OnEvent(func(event string, payload json.RawMessage) {
		if event != protocol.EventAgent {
			return
		}
		var p protocol.AgentEventPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			t.Errorf("decoding event payload: %v", err)
			return
		}
		select {
		case got <- p:
		default:
		}
	})
	defer unsub()

	if _, err := c.Agent(context.Background(), protocol.AgentParams{Message: "hi", AgentID: "a1", SessionKey: "s1"}, 2*time.Second); err != nil {
		t.Fatalf("agent: %v", err)
	}

	select {
	case p := <-got:
		if p.SessionKey != "s1" || p.Delta != "hel" {
			t.Errorf("event payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent event never delivered")
	}
}

func TestClose_RejectsAllPending(t *testing.T) {
	block := make(chan struct{})
	srv := &scriptedServer{wantToken: "secret", handle: func(*serverConn, protocol.Frame) {
		<-block
	}}
	defer close(block)
	c := dialTest(t, startServer(t, srv), "secret")

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := c.Request(context.Background(), "hang", nil, time.Minute)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	c.Close()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			if err == nil {
				t.Error("pending request resolved after close")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request still hanging after close")
		}
	}

	if _, err := c.Request(context.Background(), "after", nil, time.Second); err == nil {
		t.Error("request on a closed client succeeded")
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after Close")
	}
}

func TestPatchSession_NilHeadersMarshalNull(t *testing.T) {
	gotParams := make(chan json.RawMessage, 1)
	srv := &scriptedServer{wantToken: "secret", handle: func(sc *serverConn, frame protocol.Frame) {
		gotParams <- frame.Params
		sc.respond(frame.ID, true, nil, nil)
	}}
	c := dialTest(t, startServer(t, srv), "secret")

	if err := c.PatchSession(context.Background(), "s1", nil, 2*time.Second); err != nil {
		t.Fatalf("patch: %v", err)
	}
	raw := <-gotParams
	if !strings.Contains(string(raw), `"headers":null`) {
		t.Errorf("params = %s, want headers:null to clear them", raw)
	}
}
