package transport

import "encoding/json"

// Wire event names exchanged with the messaging channel. Exact strings are an
// integration detail of the server; the core only routes on them.
const (
	EventJoinChat        = "join_chat"
	EventSendMessage     = "send_message"
	EventReceiveMessage  = "receive_message"
	EventMessageSent     = "message_sent"
	EventMarkMessageRead = "mark_message_read"
	EventMarkAllRead     = "mark_all_read"
	EventMessageRead     = "message_read"
	EventMessagesRead    = "messages_read"
	EventOpenChat        = "open_chat"
	EventCloseChat       = "close_chat"
)

// Frame is the JSON envelope for every websocket message in both directions.
//
// Client frames that expect an acknowledgement carry a Seq; the server
// answers with a frame whose Ack echoes that Seq (Data holding the result,
// or Error set). Server-pushed events carry only Event and Data.
type Frame struct {
	Event string          `json:"event,omitempty"`
	Seq   uint64          `json:"seq,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}
