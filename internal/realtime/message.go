package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aura-signlab/backend/internal/codec"
	"github.com/aura-signlab/backend/internal/landmark"
	"github.com/aura-signlab/backend/internal/practice"
)

// Message types.
const (
	TypeRawFrame        = "raw_frame"
	TypeControl         = "control"
	TypeProcessedFrame  = "processed_frame"
	TypeControlResponse = "control_response"
	TypeFeedback        = "asl_feedback"
	TypeError           = "error"
)

// Error types sent in error messages.
const (
	ErrorTypeProtocol   = "protocol_error"
	ErrorTypeValidation = "validation_error"
)

var (
	// ErrProtocol is wrapped by every ProtocolError.
	ErrProtocol = errors.New("protocol error")
	// ErrQueueOverflow is returned by Enqueue when the frame queue is full.
	ErrQueueOverflow = errors.New("frame queue full")
	// ErrNotAccepting is returned by Enqueue after the connection stopped
	// taking frames.
	ErrNotAccepting = errors.New("connection is not accepting frames")
)

// ProtocolError reports a malformed inbound message. The connection stays
// open; the client gets an error message.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProtocol, e.Err}
	}
	return []error{ErrProtocol}
}

// Envelope is the inbound wire envelope. Data and Metadata are decoded per
// type.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp float64         `json:"timestamp,omitempty"`
	Action    string          `json:"action,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Inbound is one decoded client message: *FrameMessage or *ControlMessage.
type Inbound interface {
	inbound()
}

// FrameMessage carries one camera frame.
type FrameMessage struct {
	FrameData       string
	FrameNumber     int64
	ClientTimestamp float64
}

// ControlMessage carries a practice control action.
type ControlMessage struct {
	Action         string
	StorySentences []string
	SessionID      string
}

func (*FrameMessage) inbound()   {}
func (*ControlMessage) inbound() {}

// DecodeInbound parses a raw client message into its variant.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope", Err: err}
	}
	switch env.Type {
	case TypeRawFrame:
		return decodeFrame(env)
	case TypeControl:
		return decodeControl(env)
	case "":
		return nil, &ProtocolError{Reason: "missing message type"}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unsupported message type %q", env.Type)}
	}
}

func decodeFrame(env Envelope) (*FrameMessage, error) {
	var data struct {
		FrameData *string `json:"frame_data"`
	}
	if len(env.Data) == 0 {
		return nil, &ProtocolError{Reason: "raw_frame without data"}
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &ProtocolError{Reason: "malformed raw_frame data", Err: err}
	}
	if data.FrameData == nil {
		return nil, &ProtocolError{Reason: "raw_frame missing data.frame_data"}
	}
	msg := &FrameMessage{FrameData: *data.FrameData, ClientTimestamp: env.Timestamp}
	if len(env.Metadata) > 0 {
		var meta struct {
			FrameNumber int64 `json:"frame_number"`
		}
		if err := json.Unmarshal(env.Metadata, &meta); err != nil {
			return nil, &ProtocolError{Reason: "malformed raw_frame metadata", Err: err}
		}
		msg.FrameNumber = meta.FrameNumber
	}
	return msg, nil
}

func decodeControl(env Envelope) (*ControlMessage, error) {
	var data struct {
		Action         string   `json:"action"`
		StorySentences []string `json:"story_sentences"`
		SessionID      string   `json:"session_id"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, &ProtocolError{Reason: "malformed control data", Err: err}
		}
	}
	if data.Action == "" {
		data.Action = env.Action
	}
	switch data.Action {
	case practice.ActionStartSession, practice.ActionNextSentence, practice.ActionTryAgain, practice.ActionStopSession:
	case "":
		return nil, &ProtocolError{Reason: "control message missing action"}
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown control action %q", data.Action)}
	}
	return &ControlMessage{Action: data.Action, StorySentences: data.StorySentences, SessionID: data.SessionID}, nil
}

// Outbound is a server message. It is marshaled by the write goroutine.
type Outbound struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
	Data      any     `json:"data"`
	Metadata  any     `json:"metadata,omitempty"`
}

func newOutbound(typ string, data, meta any) Outbound {
	return Outbound{Type: typ, Timestamp: unixSeconds(time.Now()), Data: data, Metadata: meta}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FrameData is the data of a processed_frame. FrameData is nil when the
// inbound payload could not be decoded.
type FrameData struct {
	FrameData *string `json:"frame_data"`
}

// LandmarksDetected mirrors a record's presence flags.
type LandmarksDetected struct {
	Hands bool `json:"hands"`
	Face  bool `json:"face"`
	Pose  bool `json:"pose"`
}

// QualityMetrics describes how a frame was processed.
type QualityMetrics struct {
	codec.EncodingMetrics
	DetectionMS  float64 `json:"detection_ms"`
	ProcessingMS float64 `json:"processing_ms"`
	Degraded     bool    `json:"degraded"`
}

// FrameMetadata is the metadata of a processed_frame.
type FrameMetadata struct {
	FrameNumber       int64             `json:"frame_number"`
	ServerFrameNumber int64             `json:"server_frame_number"`
	Success           bool              `json:"success"`
	Error             string            `json:"error,omitempty"`
	LandmarksDetected LandmarksDetected `json:"landmarks_detected"`
	QualityMetrics    QualityMetrics    `json:"quality_metrics"`
	GestureState      string            `json:"gesture_state"`
	PracticeMode      string            `json:"practice_mode"`
}

func landmarksOf(rec landmark.Record) LandmarksDetected {
	return LandmarksDetected{Hands: rec.HandsPresent, Face: rec.FacePresent, Pose: rec.PosePresent}
}

// ControlResponse is the data of a control_response.
type ControlResponse struct {
	Action string          `json:"action"`
	Result practice.Result `json:"result"`
}

// FeedbackData is the data of an asl_feedback message.
type FeedbackData struct {
	SessionID       string   `json:"session_id"`
	SentenceIndex   int      `json:"sentence_index"`
	TargetSentence  string   `json:"target_sentence"`
	Feedback        string   `json:"feedback"`
	ConfidenceScore float64  `json:"confidence_score"`
	Suggestions     []string `json:"suggestions"`
	Fallback        bool     `json:"fallback"`
}

func feedbackData(fb practice.Feedback) FeedbackData {
	suggestions := fb.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}
	return FeedbackData{
		SessionID:       fb.SessionID,
		SentenceIndex:   fb.SentenceIndex,
		TargetSentence:  fb.TargetSentence,
		Feedback:        fb.Feedback,
		ConfidenceScore: fb.ConfidenceScore,
		Suggestions:     suggestions,
		Fallback:        fb.Fallback,
	}
}

// ErrorData and ErrorMetadata make up an error message.
type ErrorData struct {
	Message string `json:"message"`
}

type ErrorMetadata struct {
	ErrorType string `json:"error_type"`
}

func errorMessage(errType, msg string) Outbound {
	return newOutbound(TypeError, ErrorData{Message: msg}, ErrorMetadata{ErrorType: errType})
}
