// Package protocol defines the messages exchanged between the relay,
// callers, and the executor.
//
// The relay only ever inspects and produces system messages; application
// requests and responses pass through it as opaque frames.
package protocol

// KindSystem marks a message as originating from the relay itself.
// System messages are never forwarded between peers.
const KindSystem = "system"

// Events carried by system messages.
const (
	// EventConnected is sent to a peer as soon as it joins a channel.
	EventConnected = "connected"
	// EventExecutorConnected is broadcast to callers when an executor
	// joins their channel.
	EventExecutorConnected = "executor_connected"
	// EventExecutorDisconnected is broadcast to callers when their
	// channel's executor goes away.
	EventExecutorDisconnected = "executor_disconnected"
	// EventError reports a relay-level problem back to the sender,
	// such as writing to a channel with no executor.
	EventError = "error"
)

// Close codes used by the relay when refusing or replacing a connection.
// They are in the private range so they can't be confused with the
// standard WebSocket close codes.
const (
	// CloseInvalidRole is sent when the type query parameter is not
	// "executor" or "caller".
	CloseInvalidRole = 4000
	// CloseChannelRequired is sent to callers that connect without a
	// channel. There is no default channel.
	CloseChannelRequired = 4001
	// CloseExecutorReplaced is sent to an executor whose slot was taken
	// over by a newer executor connection.
	CloseExecutorReplaced = 4002
	// CloseInvalidPath is sent when a connection arrives on a path the
	// relay is not mounted at.
	CloseInvalidPath = 4004
)

// A SystemMessage is sent by the relay to one of its peers.
type SystemMessage struct {
	Kind    string `json:"kind"`
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`

	// FigmaExecutorPresent reports whether the channel already has an
	// executor. Only set on EventConnected replies to callers.
	FigmaExecutorPresent *bool `json:"figmaExecutorPresent,omitempty"`

	Error string `json:"error,omitempty"`
}

// NewErrorMessage creates a system error message for the given channel.
func NewErrorMessage(channel, reason string) SystemMessage {
	return SystemMessage{
		Kind:    KindSystem,
		Event:   EventError,
		Channel: channel,
		Error:   reason,
	}
}

// A Request is sent by a caller to the executor on its channel.
// The ID is chosen by the caller and echoed back on the response.
type Request struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`

	// SessionID optionally identifies the sending side, so a peer can
	// discard frames flushed by an already-superseded process.
	SessionID string `json:"sessionId,omitempty"`
}

// A Response is sent by the executor and correlated back to the request
// carrying the same ID. Exactly one of Result and Error is meaningful.
type Response struct {
	ID        string      `json:"id"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}
