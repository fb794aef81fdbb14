package store

import (
	"time"

	"github.com/matheus3301/nova/internal/model"
	"github.com/oklog/ulid/v2"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (model.Message, error) {
	var m model.Message
	var kind string
	var createdAt int64
	if err := s.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &kind, &createdAt); err != nil {
		return model.Message{}, err
	}
	m.Kind = model.MessageKind(kind)
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.State = model.Confirmed
	return m, nil
}

// InsertMessage stores a new message and returns it with its assigned id.
func (db *DB) InsertMessage(chatID, senderID, content string, kind model.MessageKind, at time.Time) (model.Message, error) {
	if kind == "" {
		kind = model.KindText
	}
	m := model.Message{
		ID:        ulid.Make().String(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Kind:      kind,
		CreatedAt: time.UnixMilli(at.UnixMilli()).UTC(),
		State:     model.Confirmed,
	}
	_, err := db.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, content, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.SenderID, m.Content, string(m.Kind), m.CreatedAt.UnixMilli())
	if err != nil {
		return model.Message{}, err
	}
	return m, nil
}

// GetMessage returns the message with id.
func (db *DB) GetMessage(id string) (model.Message, error) {
	row := db.QueryRow(`SELECT id, chat_id, sender_id, content, kind, created_at FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err != nil {
		return model.Message{}, notFound(err)
	}
	return m, nil
}

// ListMessages returns the history of chatID visible to viewerID, oldest
// first.
func (db *DB) ListMessages(chatID, viewerID string) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.kind, m.created_at
		FROM messages m
		WHERE m.chat_id = ?
		  AND NOT EXISTS (SELECT 1 FROM hidden_messages h WHERE h.message_id = m.id AND h.user_id = ?)
		ORDER BY m.created_at, m.id`, chatID, viewerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// HideMessage removes id from userID's view only.
func (db *DB) HideMessage(userID, id string) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO hidden_messages (user_id, message_id) VALUES (?, ?)`, userID, id)
	return err
}

// DeleteMessage removes id for every participant.
func (db *DB) DeleteMessage(id string) error {
	res, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
