package worldhost

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound kinds.
const (
	TypeAuth            = "auth"
	TypeBootstrapUpload = "bootstrapUpload"
	TypePing            = "ping"
)

// Outbound kinds.
const (
	TypeBootstrapData     = "bootstrapData"
	TypeBootstrapRequired = "bootstrapRequired"
	TypeBootstrapAccepted = "bootstrapAccepted"
	TypePong              = "pong"
	TypeErr               = "err"
)

// Error codes.
const (
	CodeAuthTimeout      = "AUTH_TIMEOUT"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeRateLimit        = "RATE_LIMIT"
	CodeBootstrapExists  = "BOOTSTRAP_EXISTS"
	CodeBootstrapInvalid = "BOOTSTRAP_INVALID"
	CodeInternalError    = "INTERNAL_ERROR"
)

var errUnknownType = errors.New("unknown message type")

type inbound struct {
	T       string          `json:"t"`
	Token   string          `json:"token,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func decode(data []byte) (inbound, error) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return inbound{}, fmt.Errorf("decode message: %w", err)
	}
	switch in.T {
	case TypeAuth, TypeBootstrapUpload, TypePing:
		return in, nil
	default:
		return in, fmt.Errorf("%w: %q", errUnknownType, in.T)
	}
}

type kindOnly struct {
	T string `json:"t"`
}

type bootstrapData struct {
	T       string          `json:"t"`
	Payload json.RawMessage `json:"payload"`
}

type errMsg struct {
	T    string `json:"t"`
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

func newErr(code, msg string) errMsg {
	return errMsg{T: TypeErr, Code: code, Msg: msg}
}
