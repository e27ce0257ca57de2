package domain

import (
	"fmt"
	"slices"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks messages typed by the user.
	RoleUser Role = "user"
	// RoleAssistant marks messages produced by the assistant.
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation. Content is either a plain string or
// a structured JSON value; the engine never inspects it beyond Text.
type Message struct {
	Role    Role `json:"role"`
	Content any  `json:"message"`
}

// Text returns the content as display text.
func (m Message) Text() string {
	switch v := m.Content.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Scope addresses a conversation: the draft (zero value) or a task.
type Scope struct {
	TaskID string
}

// Draft is the singleton conversation used before a task id exists.
var Draft = Scope{}

// TaskScope returns the scope of the conversation tied to taskID.
func TaskScope(taskID string) Scope {
	return Scope{TaskID: strings.TrimSpace(taskID)}
}

// IsDraft reports whether the scope addresses the draft conversation.
func (s Scope) IsDraft() bool {
	return s.TaskID == ""
}

// Key returns the namespaced key of the scope: "draft" or "task:<id>".
func (s Scope) Key() string {
	if s.IsDraft() {
		return "draft"
	}
	return "task:" + s.TaskID
}

func (s Scope) String() string {
	return s.Key()
}

// ConversationState is the per-conversation view model.
//
// Submitting implies Loading. SessionID is only meaningful for the draft and
// holds an already established backend session that further sends continue.
type ConversationState struct {
	Messages        []Message `json:"messages"`
	Loading         bool      `json:"loading"`
	Submitting      bool      `json:"submitting"`
	Error           string    `json:"error,omitempty"`
	LastFailedInput string    `json:"last_failed_input,omitempty"`
	SelectedTools   []string  `json:"selected_tools"`
	SessionID       string    `json:"session_id,omitempty"`
}

// Busy reports whether a request is outstanding for the conversation.
func (c ConversationState) Busy() bool {
	return c.Loading || c.Submitting
}

// Clone returns a deep copy safe to hand out of a lock.
func (c ConversationState) Clone() ConversationState {
	c.Messages = slices.Clone(c.Messages)
	c.SelectedTools = slices.Clone(c.SelectedTools)
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	if c.SelectedTools == nil {
		c.SelectedTools = []string{}
	}
	return c
}
