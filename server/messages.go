package server

import (
	"encoding/json"
	"log/slog"

	"github.com/richinsley/diffgrid/grid"
)

// Message is what the server pushes over the state websocket
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// MessageDataHello is sent once when a watcher connects
type MessageDataHello struct {
	Timesteps []int `json:"timesteps"`
	Columns   int   `json:"columns"`
}

// MessageDataError reports a failed store action
type MessageDataError struct {
	Action  string `json:"action"`
	Message string `json:"message"`
}

func (m *Message) UnmarshalJSON(b []byte) error {
	// Unmarshal into an anonymous type equivalent to Message
	// to avoid infinite recursion
	var temp struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	m.Type = temp.Type

	switch m.Type {
	case "hello":
		m.Data = &MessageDataHello{}
	case "state":
		m.Data = &grid.State{}
	case "error":
		m.Data = &MessageDataError{}
	default:
		slog.Warn("Unhandled message type", "type", m.Type)
		m.Data = nil
	}

	if m.Data != nil {
		if err := json.Unmarshal(temp.Data, m.Data); err != nil {
			return err
		}
	}
	return nil
}

func (m *Message) ToState() *grid.State {
	return m.Data.(*grid.State)
}

func (m *Message) ToHello() *MessageDataHello {
	return m.Data.(*MessageDataHello)
}

func (m *Message) ToError() *MessageDataError {
	return m.Data.(*MessageDataError)
}
