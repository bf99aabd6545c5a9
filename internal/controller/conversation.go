// File: internal/controller/conversation.go
package controller

import "github.com/xkilldash9x/marionette/api/schemas"

// Conversation is the append-only message history sent to the model. Turns
// are only ever added; Clear starts a fresh history while leaving accounting
// elsewhere untouched. Not safe for concurrent use: the run loop is strictly
// sequential.
type Conversation struct {
	turns []schemas.Turn
}

func NewConversation() *Conversation {
	return &Conversation{}
}

// AddSystem appends a system turn.
func (c *Conversation) AddSystem(content string) {
	c.turns = append(c.turns, schemas.Turn{Role: schemas.RoleSystem, Content: content})
}

// AddUser appends a user turn, optionally carrying inline images.
func (c *Conversation) AddUser(content string, images []string) {
	c.turns = append(c.turns, schemas.Turn{Role: schemas.RoleUser, Content: content, Images: images})
}

// AddAssistant appends an assistant turn. Native tool calls ride along so
// that later tool turns can reference their IDs.
func (c *Conversation) AddAssistant(content string, calls []schemas.ToolCall) {
	c.turns = append(c.turns, schemas.Turn{Role: schemas.RoleAssistant, Content: content, ToolCalls: calls})
}

// AddTool appends a tool result turn paired to a prior call ID.
func (c *Conversation) AddTool(callID, content string) {
	c.turns = append(c.turns, schemas.Turn{Role: schemas.RoleTool, Content: content, ToolCallID: callID})
}

// History returns a copy of the turns so callers cannot mutate the log.
func (c *Conversation) History() []schemas.Turn {
	out := make([]schemas.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) Len() int {
	return len(c.turns)
}

// Clear drops all turns.
func (c *Conversation) Clear() {
	c.turns = nil
}
