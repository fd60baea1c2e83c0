// Package models defines session state structures for WhaleFlow.
package models

import "time"

// Built-in variable names seeded when a session is created.
const (
	// VarPhone holds the normalized end-user identity.
	VarPhone = "phone"
	// VarName holds the end-user display name.
	VarName = "name"
)

// DefaultUserName seeds the name variable until a flow overwrites it.
const DefaultUserName = "User"

// Session is the per-end-user runtime state: the current position in the
// flow graph and the bound variables. Exactly one session exists per
// normalized identity, and the engine never advances two branches of the
// same session concurrently.
type Session struct {
	Phone         string            `json:"phone"`
	CurrentNodeID string            `json:"current_node_id"`
	Variables     map[string]string `json:"variables"`
	Paused        bool              `json:"paused"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
}

// NewSession creates a session positioned at startNodeID with the built-in
// variables seeded.
func NewSession(phone, startNodeID string) Session {
	now := time.Now()
	return Session{
		Phone:         phone,
		CurrentNodeID: startNodeID,
		Variables: map[string]string{
			VarPhone: phone,
			VarName:  DefaultUserName,
		},
		CreatedAt:    now,
		LastActivity: now,
	}
}

// SetVariable binds a value into the session's variable map, allocating the
// map if the session was loaded from an empty record.
func (s *Session) SetVariable(name, value string) {
	if s.Variables == nil {
		s.Variables = make(map[string]string)
	}
	s.Variables[name] = value
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.LastActivity = time.Now()
}
