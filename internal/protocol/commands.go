// internal/protocol/commands.go
package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Command is a validated client->server room message. The set of
// implementations is closed; Decode is the only constructor.
type Command interface{ isCommand() }

type GetLobbies struct{ IncludeInProgress bool }

type ToggleReady struct{}

type LeaveLobby struct{}

type BattleAction struct {
	Action  string
	Payload json.RawMessage
}

func (GetLobbies) isCommand()   {}
func (ToggleReady) isCommand()  {}
func (LeaveLobby) isCommand()   {}
func (BattleAction) isCommand() {}

// Decode validates a room message and returns its typed command. Payload
// shape errors surface as ErrMalformedMessage, unknown types as
// ErrUnknownMessage. Nothing is trusted before this call succeeds.
func Decode(typ string, data json.RawMessage) (Command, error) {
	switch typ {
	case TypeGetLobbies:
		var p GetLobbiesPayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, err
		}
		return GetLobbies{IncludeInProgress: p.IncludeInProgress}, nil
	case TypeToggleReady:
		if err := decodeStrict(data, &struct{}{}); err != nil {
			return nil, err
		}
		return ToggleReady{}, nil
	case TypeLeaveLobby:
		if err := decodeStrict(data, &struct{}{}); err != nil {
			return nil, err
		}
		return LeaveLobby{}, nil
	case TypeBattleAction:
		var p BattleActionPayload
		if err := decodeStrict(data, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Action) == "" {
			return nil, Errorf(CodeMalformed, "battle_action requires an action")
		}
		return BattleAction{Action: p.Action, Payload: p.Payload}, nil
	default:
		return nil, Errorf(CodeUnknownMessage, "unknown message type %q", typ)
	}
}

// DecodeOptions unmarshals join/create options. Empty options decode to the
// zero value.
func DecodeOptions(data json.RawMessage, v interface{}) error {
	return decodeStrict(data, v)
}

func decodeStrict(data json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return Wrap(ErrMalformedMessage, err)
	}
	return nil
}
