package tesp

import (
	"encoding/json"
	"fmt"
)

// Code identifies a TESP message type. It occupies one byte on the wire.
type Code byte

// Request codes
const (
	CodeAddEvent          Code = 0x01
	CodePause             Code = 0x02
	CodeResume            Code = 0x04
	CodeWhiteListDataOnly Code = 0x06
	CodeAllData           Code = 0x08
	CodePing              Code = 0x0A
)

// Response codes
const (
	CodeSuccess        Code = 0x80
	CodeError          Code = 0x81
	CodePaused         Code = 0x82
	CodeInvalidRequest Code = 0x83
	CodeAnswer         Code = 0x85
)

// codeTable maps every known code to whether it carries a payload.
var codeTable = map[Code]bool{
	CodeAddEvent:          true,
	CodePause:             false,
	CodeResume:            false,
	CodeWhiteListDataOnly: false,
	CodeAllData:           false,
	CodePing:              false,
	CodeSuccess:           false,
	CodeError:             true,
	CodePaused:            false,
	CodeInvalidRequest:    true,
	CodeAnswer:            true,
}

// Known reports whether c is part of the protocol.
func (c Code) Known() bool {
	_, ok := codeTable[c]
	return ok
}

// HasPayload reports whether messages with this code carry a length-prefixed payload.
func (c Code) HasPayload() bool {
	return codeTable[c]
}

// IsResponse reports whether c is a collector-to-client code.
func (c Code) IsResponse() bool {
	return c&0x80 != 0
}

func (c Code) String() string {
	switch c {
	case CodeAddEvent:
		return "AddEvent"
	case CodePause:
		return "Pause"
	case CodeResume:
		return "Resume"
	case CodeWhiteListDataOnly:
		return "WhiteListDataOnly"
	case CodeAllData:
		return "AllData"
	case CodePing:
		return "Ping"
	case CodeSuccess:
		return "Success"
	case CodeError:
		return "Error"
	case CodePaused:
		return "Paused"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeAnswer:
		return "Answer"
	}
	return fmt.Sprintf("Code(0x%02x)", byte(c))
}

// Message is a single TESP message. Payload is only meaningful when
// Code.HasPayload() is true.
type Message struct {
	Code    Code
	Payload []byte
}

// HasPayload reports whether the message is framed with a length and payload.
func (m Message) HasPayload() bool {
	return m.Code.HasPayload()
}

// PayloadSize returns the encoded payload length, 0 for payload-less codes.
func (m Message) PayloadSize() int {
	if !m.HasPayload() {
		return 0
	}
	return len(m.Payload)
}

// NewAddEvent wraps a serialized event batch. A nil payload is a caller bug
// and panics.
func NewAddEvent(payload []byte) Message {
	return withPayload(CodeAddEvent, payload)
}

// NewInvalidRequest creates an invalid-request response with a reason.
func NewInvalidRequest(reason string) Message {
	return withPayload(CodeInvalidRequest, []byte(reason))
}

func NewPing() Message    { return Message{Code: CodePing} }
func NewPause() Message   { return Message{Code: CodePause} }
func NewResume() Message  { return Message{Code: CodeResume} }
func NewSuccess() Message { return Message{Code: CodeSuccess} }
func NewPaused() Message  { return Message{Code: CodePaused} }

func withPayload(code Code, payload []byte) Message {
	if payload == nil {
		panic(fmt.Sprintf("tesp: %s payload must not be nil", code))
	}
	return Message{Code: code, Payload: payload}
}

// Error codes carried in an Error response payload.
const (
	ErrorServerUnknown          = "server-unknown"
	ErrorClientResponseTimeout  = "client-response-timeout"
	ErrorClientServerCloseEarly = "client-server-close-early"
	ErrorClientLostConnection   = "client-lost-connection"
	ErrorClientChunkTimeout     = "client-chunk-timeout"
	ErrorClientDecoding         = "client-decoding-error"
	ErrorClientPayloadDecoding  = "client-payload-decoding-error"
	ErrorClientUnknown          = "client-unknown"
)

// ErrorPayload is the JSON body of an Error response.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// NewError creates an Error response.
func NewError(p ErrorPayload) Message {
	data, err := json.Marshal(p)
	if err != nil {
		// ErrorPayload only holds strings
		panic(err)
	}
	return withPayload(CodeError, data)
}

// ParseError decodes the payload of an Error response.
func ParseError(m Message) (ErrorPayload, error) {
	if m.Code != CodeError {
		return ErrorPayload{}, fmt.Errorf("not an error response: %s", m.Code)
	}
	var p ErrorPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return ErrorPayload{}, fmt.Errorf("failed to decode error payload: %w", err)
	}
	return p, nil
}
