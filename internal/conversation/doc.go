// Package conversation owns conversation state: the in-memory store of
// conversations, participants, and ordered message history, plus the room
// broadcaster that fans server events out to every subscribed connection.
package conversation
