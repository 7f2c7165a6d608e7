// Package relay is the real-time conversation relay: it accepts client
// websocket connections, authenticates them, routes their commands, fans
// messages out to every assistant participant of a conversation, and
// broadcasts the resulting chunk/completion/error events to the room.
package relay
