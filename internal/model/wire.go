package model

import (
	"bytes"
	"encoding/json"
)

// Documents carry their id as "_id" or "id"; "_id" wins when both are set.
// References to other documents (a message's chat and sender) are either a
// bare id string or an embedded document with "_id" or "id".

// UnmarshalJSON accepts both the flat form (chatId, senderId) and the
// populated form, where chat and sender are references.
func (m *Message) UnmarshalJSON(b []byte) error {
	type plain Message
	var w struct {
		plain
		AltID  string          `json:"id"`
		Chat   json.RawMessage `json:"chat"`
		Sender json.RawMessage `json:"sender"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*m = Message(w.plain)
	if m.ID == "" {
		m.ID = w.AltID
	}
	if m.ChatID == "" {
		m.ChatID = refID(w.Chat)
	}
	if m.SenderID == "" {
		m.SenderID = refID(w.Sender)
	}
	return nil
}

// UnmarshalJSON accepts "_id" or "id".
func (u *User) UnmarshalJSON(b []byte) error {
	type plain User
	var w struct {
		plain
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*u = User(w.plain)
	if u.ID == "" {
		u.ID = w.AltID
	}
	return nil
}

// UnmarshalJSON accepts "_id" or "id".
func (c *Chat) UnmarshalJSON(b []byte) error {
	type plain Chat
	var w struct {
		plain
		AltID string `json:"id"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*c = Chat(w.plain)
	if c.ID == "" {
		c.ID = w.AltID
	}
	return nil
}

// refID extracts an id from "id", {"_id": "id"} or {"id": "id"}.
func refID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var id string
	if raw[0] == '"' {
		if json.Unmarshal(raw, &id) == nil {
			return id
		}
		return ""
	}
	var doc struct {
		ID    string `json:"_id"`
		AltID string `json:"id"`
	}
	if json.Unmarshal(raw, &doc) != nil {
		return ""
	}
	if doc.ID != "" {
		return doc.ID
	}
	return doc.AltID
}
