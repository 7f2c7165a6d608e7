// Package protocol defines the relay's bidirectional wire protocol: client
// command frames, server event frames, and the shared conversation data
// model. Frames are flat JSON objects selected by a "type" field.
package protocol
