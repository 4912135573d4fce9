package server

import (
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/tablesync/internal/services/sync/storage/memory"
)

type wsTestJoined struct {
	SessionID string `json:"sessionId"`
	Snapshot  struct {
		Sequence uint64 `json:"sequenceNumber"`
	} `json:"snapshot"`
	Participants []struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	} `json:"participants"`
	Welcome string `json:"welcome"`
}

type wsTestDelta struct {
	SequenceNumber uint64          `json:"sequenceNumber"`
	Kind           string          `json:"kind"`
	TargetID       string          `json:"targetId"`
	Payload        json.RawMessage `json:"payload"`
	UserID         string          `json:"userId"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := NewServer(Config{HTTPAddr: "127.0.0.1:0", Authenticator: DevAuthenticator{}}, memory.New())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Close()
	})
	return srv
}

func dialWSErr(srv *httptest.Server, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + url.QueryEscape(token)
	}
	return websocket.Dial(wsURL, "", srv.URL)
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSErr(srv, token)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType, requestID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(wsFrame{Type: frameType, RequestID: requestID, Payload: raw, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := websocket.Message.Send(conn, string(data)); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var data []byte
	if err := websocket.Message.Receive(conn, &data); err != nil {
		t.Fatalf("receive frame: %v", err)
	}
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return frame
}

// readUntil skips frames of other types, such as presence notices.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) wsFrame {
	t.Helper()
	for range 20 {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return wsFrame{}
}

func decodePayload[T any](t *testing.T, frame wsFrame) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(frame.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", frame.Type, err)
	}
	return out
}

func join(t *testing.T, conn *websocket.Conn, sessionID string) wsTestJoined {
	t.Helper()
	writeFrame(t, conn, frameJoin, "join-1", map[string]any{"sessionId": sessionID, "locale": "en-US"})
	frame := readUntil(t, conn, frameJoined)
	if frame.RequestID != "join-1" {
		t.Fatalf("joined request id = %q, want join-1", frame.RequestID)
	}
	return decodePayload[wsTestJoined](t, frame)
}

func addToken(id string) map[string]any {
	return map[string]any{
		"kind":     "add-token",
		"targetId": id,
		"payload":  map[string]any{"id": id, "name": "Hero", "x": 10, "y": 20},
	}
}

func TestWSRequiresToken(t *testing.T) {
	srv := newTestServer(t)
	if conn, err := dialWSErr(srv, ""); err == nil {
		_ = conn.Close()
		t.Fatal("expected dial without token to fail")
	}
	if conn, err := dialWSErr(srv, "nobody"); err == nil {
		_ = conn.Close()
		t.Fatal("expected dial with malformed token to fail")
	}
}

func TestWSJoinSubmitAndAck(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv, "gm:owner")

	joined := join(t, conn, "s-1")
	if joined.Snapshot.Sequence != 0 || len(joined.Participants) != 1 {
		t.Fatalf("joined = %+v, want empty session with one participant", joined)
	}
	if !strings.HasPrefix(joined.Welcome, "Welcome gm.") {
		t.Fatalf("welcome = %q", joined.Welcome)
	}

	writeFrame(t, conn, frameAction, "a-1", addToken("t-1"))
	deltaFrame := readFrame(t, conn)
	if deltaFrame.Type != frameDelta {
		t.Fatalf("frame type = %q, want %q", deltaFrame.Type, frameDelta)
	}
	delta := decodePayload[wsTestDelta](t, deltaFrame)
	if delta.SequenceNumber != 1 || delta.Kind != "add-token" || delta.TargetID != "t-1" || delta.UserID != "gm" {
		t.Fatalf("delta = %+v", delta)
	}

	ack := readFrame(t, conn)
	if ack.Type != frameAck || ack.RequestID != "a-1" {
		t.Fatalf("ack = %+v, want game:ack for a-1", ack)
	}
	if got := decodePayload[ackPayload](t, ack); got.SequenceNumber != 1 {
		t.Fatalf("ack sequence = %d, want 1", got.SequenceNumber)
	}
}

func TestWSDeltaReachesOtherParticipants(t *testing.T) {
	srv := newTestServer(t)
	owner := dialWS(t, srv, "gm:owner")
	player := dialWS(t, srv, "ana:player")
	join(t, owner, "s-1")
	joined := join(t, player, "s-1")
	if len(joined.Participants) != 2 {
		t.Fatalf("participants = %+v, want 2", joined.Participants)
	}

	presence := readUntil(t, owner, frameParticipantJoined)
	if got := decodePayload[presencePayload](t, presence); got.Participant.UserID != "ana" {
		t.Fatalf("presence = %+v, want ana", got)
	}

	writeFrame(t, owner, frameAction, "a-1", addToken("t-1"))
	delta := decodePayload[wsTestDelta](t, readUntil(t, player, frameDelta))
	if delta.SequenceNumber != 1 || delta.TargetID != "t-1" {
		t.Fatalf("player delta = %+v", delta)
	}

	writeFrame(t, player, frameLeave, "l-1", nil)
	if ack := readUntil(t, player, frameAck); ack.RequestID != "l-1" {
		t.Fatalf("leave ack request id = %q, want l-1", ack.RequestID)
	}
	left := readUntil(t, owner, frameParticipantLeft)
	if got := decodePayload[presencePayload](t, left); got.Participant.UserID != "ana" {
		t.Fatalf("left = %+v, want ana", got)
	}
}

func TestWSRejectsActionBeforeJoin(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv, "gm:owner")
	writeFrame(t, conn, frameAction, "a-1", addToken("t-1"))
	frame := readFrame(t, conn)
	if frame.Type != frameError {
		t.Fatalf("frame type = %q, want %q", frame.Type, frameError)
	}
	if got := decodePayload[wsError](t, frame); got.Code != "SESSION_NOT_JOINED" || got.Status != "FailedPrecondition" {
		t.Fatalf("error = %+v", got)
	}
}

func TestWSObserverCannotMutate(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv, "eve:observer")
	join(t, conn, "s-1")
	writeFrame(t, conn, frameAction, "a-1", addToken("t-1"))
	frame := readUntil(t, conn, frameError)
	got := decodePayload[wsError](t, frame)
	if got.Code != "COMMAND_FORBIDDEN" || got.Status != "PermissionDenied" || got.Retryable {
		t.Fatalf("error = %+v", got)
	}
}

func TestWSStaleHintAsksForResync(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv, "gm:owner")
	join(t, conn, "s-1")

	action := addToken("t-1")
	action["sequenceHint"] = 9
	writeFrame(t, conn, frameAction, "a-1", action)
	got := decodePayload[wsError](t, readUntil(t, conn, frameError))
	if got.Code != "SEQUENCE_CONFLICT" || !got.Resync {
		t.Fatalf("error = %+v, want sequence conflict with resync", got)
	}

	writeFrame(t, conn, frameResync, "r-1", nil)
	snap := readUntil(t, conn, frameSnapshot)
	if snap.RequestID != "r-1" {
		t.Fatalf("snapshot request id = %q, want r-1", snap.RequestID)
	}
}

func TestWSPingAcknowledgesSequence(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv, "gm:owner")
	writeFrame(t, conn, framePing, "p-1", map[string]any{"sequenceNumber": 4})
	frame := readFrame(t, conn)
	if frame.Type != framePong || frame.RequestID != "p-1" {
		t.Fatalf("frame = %+v, want pong for p-1", frame)
	}
	if got := decodePayload[pongPayload](t, frame); got.SequenceNumber != 4 || got.ServerTime == 0 {
		t.Fatalf("pong = %+v", got)
	}
}

func TestWSChatHistory(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv, "gm:owner")
	join(t, conn, "s-1")
	for i, body := range []string{"one", "two", "three"} {
		writeFrame(t, conn, frameAction, "c", map[string]any{
			"commandId": "c-" + body,
			"kind":      "chat-message",
			"payload":   map[string]any{"body": body},
		})
		if ack := decodePayload[ackPayload](t, readUntil(t, conn, frameAck)); ack.SequenceNumber != uint64(i+1) {
			t.Fatalf("ack sequence = %d, want %d", ack.SequenceNumber, i+1)
		}
	}

	writeFrame(t, conn, frameChatHistory, "h-1", map[string]any{"beforeSequence": 3, "limit": 1})
	history := decodePayload[chatHistoryPayload](t, readUntil(t, conn, frameChatHistory))
	if len(history.Entries) != 1 || history.Entries[0].Body != "two" {
		t.Fatalf("history = %+v, want only two", history.Entries)
	}
}

func TestWSClosesAfterRepeatedDecodeErrors(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv, "gm:owner")
	for range maxDecodeErrorsPerConn {
		if err := websocket.Message.Send(conn, "{not json"); err != nil {
			t.Fatalf("send: %v", err)
		}
		if frame := readFrame(t, conn); frame.Type != frameError {
			t.Fatalf("frame type = %q, want %q", frame.Type, frameError)
		}
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var data []byte
	if err := websocket.Message.Receive(conn, &data); err == nil {
		t.Fatalf("expected connection to close, got %s", data)
	}
}

func TestUpEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
