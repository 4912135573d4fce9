package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/louisbranch/tablesync/internal/services/sync/domain/participant"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
	"github.com/louisbranch/tablesync/internal/services/sync/engine"
)

const (
	framePing              = "ping"
	framePong              = "pong"
	frameJoin              = "game:join"
	frameJoined            = "game:joined"
	frameLeave             = "game:leave"
	frameAction            = "game:action"
	frameAck               = "game:ack"
	frameDelta             = "game:delta"
	frameError             = "game:error"
	frameResync            = "game:resync"
	frameSnapshot          = "game:snapshot"
	frameChatHistory       = "game:chat-history"
	frameParticipantJoined = "game:participant-joined"
	frameParticipantLeft   = "game:participant-left"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type joinPayload struct {
	SessionID string `json:"sessionId"`
	GameID    string `json:"gameId,omitempty"`
	Locale    string `json:"locale,omitempty"`
}

type pingPayload struct {
	SequenceNumber uint64 `json:"sequenceNumber"`
}

type pongPayload struct {
	SequenceNumber uint64 `json:"sequenceNumber"`
	ServerTime     int64  `json:"serverTime"`
}

type chatHistoryRequest struct {
	BeforeSequence uint64 `json:"beforeSequence"`
	Limit          int    `json:"limit"`
}

type chatHistoryPayload struct {
	SessionID string              `json:"sessionId"`
	Entries   []session.ChatEntry `json:"entries"`
}

type joinedPayload struct {
	SessionID    string                    `json:"sessionId"`
	GameID       string                    `json:"gameId,omitempty"`
	Snapshot     session.Snapshot          `json:"snapshot"`
	Participants []participant.Participant `json:"participants"`
	Welcome      string                    `json:"welcome"`
}

type snapshotPayload struct {
	Snapshot     session.Snapshot          `json:"snapshot"`
	Participants []participant.Participant `json:"participants"`
}

type presencePayload struct {
	SessionID   string                  `json:"sessionId"`
	Participant participant.Participant `json:"participant"`
}

type deltaPayload struct {
	SequenceNumber uint64          `json:"sequenceNumber"`
	Kind           session.Kind    `json:"kind"`
	TargetID       string          `json:"targetId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	CommandID      string          `json:"commandId,omitempty"`
}

type ackPayload struct {
	SequenceNumber uint64 `json:"sequenceNumber"`
	CommandID      string `json:"commandId,omitempty"`
}

type wsError struct {
	Code      string `json:"code"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Resync    bool   `json:"resync,omitempty"`
}

// frameCodec renders the engine's outbound traffic as JSON frames.
type frameCodec struct {
	now func() time.Time
}

var _ engine.Codec = frameCodec{}

func (c frameCodec) encode(frameType, requestID string, payload any) []byte {
	frame := wsFrame{
		Type:      frameType,
		RequestID: requestID,
		Payload:   mustJSON(payload),
		Timestamp: c.now().UnixMilli(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("sync: encode %s frame: %v", frameType, err)
		return nil
	}
	return data
}

func (c frameCodec) Joined(req engine.JoinRequest, snap session.Snapshot, participants []participant.Participant) []byte {
	return c.encode(frameJoined, req.RequestID, joinedPayload{
		SessionID:    req.SessionID,
		GameID:       snap.GameID,
		Snapshot:     snap,
		Participants: participants,
		Welcome:      welcomeNotice(req.Locale, req.Participant.UserID, req.SessionID, len(participants)),
	})
}

func (c frameCodec) ParticipantJoined(sessionID string, p participant.Participant) []byte {
	return c.encode(frameParticipantJoined, "", presencePayload{SessionID: sessionID, Participant: p})
}

func (c frameCodec) ParticipantLeft(sessionID string, p participant.Participant) []byte {
	return c.encode(frameParticipantLeft, "", presencePayload{SessionID: sessionID, Participant: p})
}

func (c frameCodec) Delta(d session.Delta) []byte {
	return c.encode(frameDelta, "", deltaPayload{
		SequenceNumber: d.Sequence,
		Kind:           d.Kind,
		TargetID:       d.TargetID,
		Payload:        d.Payload,
		UserID:         d.UserID,
		CommandID:      d.CommandID,
	})
}

func (c frameCodec) Snapshot(requestID string, snap session.Snapshot, participants []participant.Participant) []byte {
	return c.encode(frameSnapshot, requestID, snapshotPayload{Snapshot: snap, Participants: participants})
}

func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("sync: marshal frame payload: %v", err)
		return nil
	}
	return b
}
