// Package protocol defines the JSON messages exchanged with lobby clients.
// Every message carries its kind in the "t" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/worldgate/internal/world"
)

// Inbound kinds.
const (
	TypeCreateWorld = "createWorld"
	TypeJoinWorld   = "joinWorld"
	TypeLeaveWorld  = "leaveWorld"
	TypePing        = "ping"
)

// Outbound kinds.
const (
	TypeWorldCreated = "worldCreated"
	TypeStatus       = "status"
	TypeJoinResult   = "joinResult"
	TypeLeft         = "left"
	TypeErr          = "err"
	TypePong         = "pong"
)

// Error codes sent in err messages.
const (
	CodeMissingGameKey    = "MISSING_GAME_KEY"
	CodeMissingParameters = "MISSING_PARAMETERS"
	CodeWorldNotFound     = "WORLD_NOT_FOUND"
	CodeUnknownGame       = "UNKNOWN_GAME"
	CodeStartFailed       = "START_FAILED"
	CodeStartTimeout      = "START_TIMEOUT"
	CodeWorldUnhealthy    = "WORLD_UNHEALTHY"
	CodeUnknownMessage    = "UNKNOWN_MESSAGE"
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeRateLimit         = "RATE_LIMIT"
	CodeInternalError     = "INTERNAL_ERROR"
)

var ErrUnknownType = errors.New("unknown message type")

// Inbound is a decoded client message. Only the fields of its kind are set.
type Inbound struct {
	T       string `json:"t"`
	GameKey string `json:"gameKey,omitempty"`
	WorldID string `json:"worldId,omitempty"`
}

// Decode parses a raw client frame.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode message: %w", err)
	}
	in.GameKey = strings.TrimSpace(in.GameKey)
	in.WorldID = strings.TrimSpace(in.WorldID)
	switch in.T {
	case TypeCreateWorld, TypeJoinWorld, TypeLeaveWorld, TypePing:
		return in, nil
	default:
		return in, fmt.Errorf("%w: %q", ErrUnknownType, in.T)
	}
}

type WorldCreated struct {
	T       string `json:"t"`
	WorldID string `json:"worldId"`
}

type Status struct {
	T   string `json:"t"`
	Msg string `json:"msg"`
}

type JoinResult struct {
	T        string         `json:"t"`
	WorldID  string         `json:"worldId"`
	Endpoint world.Endpoint `json:"endpoint"`
	Token    string         `json:"token"`
}

type Left struct {
	T string `json:"t"`
}

type Err struct {
	T    string `json:"t"`
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type Pong struct {
	T string `json:"t"`
}

func NewWorldCreated(worldID string) WorldCreated {
	return WorldCreated{T: TypeWorldCreated, WorldID: worldID}
}

func NewStatus(msg string) Status {
	return Status{T: TypeStatus, Msg: msg}
}

func NewJoinResult(worldID string, ep world.Endpoint, token string) JoinResult {
	return JoinResult{T: TypeJoinResult, WorldID: worldID, Endpoint: ep, Token: token}
}

func NewLeft() Left { return Left{T: TypeLeft} }

func NewPong() Pong { return Pong{T: TypePong} }

func NewErr(code, msg string) Err {
	return Err{T: TypeErr, Code: code, Msg: msg}
}

// ErrFor maps a domain error onto the client error taxonomy.
func ErrFor(err error) Err {
	msg := "internal error"
	var e *world.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	switch world.CodeOf(err) {
	case world.CodeValidation:
		return NewErr(CodeMissingParameters, msg)
	case world.CodeNotFound:
		return NewErr(CodeWorldNotFound, msg)
	case world.CodeUnknownGame:
		return NewErr(CodeUnknownGame, msg)
	case world.CodeLaunchFailure:
		return NewErr(CodeStartFailed, msg)
	case world.CodeStartTimeout, world.CodeHealthTimeout:
		return NewErr(CodeStartTimeout, msg)
	case world.CodeUnhealthy:
		return NewErr(CodeWorldUnhealthy, msg)
	default:
		return NewErr(CodeInternalError, msg)
	}
}
