package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/nova/internal/model"
	"github.com/oklog/ulid/v2"
)

// pair orders two user ids the way the chats table stores them.
func pair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// EnsureChat returns the chat between a and b, creating it when missing.
func (db *DB) EnsureChat(a, b string) (chatID string, created bool, err error) {
	ua, ub := pair(a, b)
	err = db.QueryRow(`SELECT id FROM chats WHERE user_a = ? AND user_b = ?`, ua, ub).Scan(&chatID)
	if err == nil {
		return chatID, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, err
	}
	chatID = ulid.Make().String()
	_, err = db.Exec(`INSERT INTO chats (id, user_a, user_b, created_at) VALUES (?, ?, ?, ?)`,
		chatID, ua, ub, time.Now().UnixMilli())
	if err != nil {
		return "", false, err
	}
	return chatID, true, nil
}

// Members returns the two participant ids of chatID.
func (db *DB) Members(chatID string) (string, string, error) {
	var a, b string
	err := db.QueryRow(`SELECT user_a, user_b FROM chats WHERE id = ?`, chatID).Scan(&a, &b)
	if err != nil {
		return "", "", notFound(err)
	}
	return a, b, nil
}

// ListChats returns the chats userID participates in, each with its
// participants and the latest message userID can still see. Ordering is left
// to the caller.
func (db *DB) ListChats(userID string) ([]model.Chat, error) {
	rows, err := db.Query(`
		SELECT c.id, a.id, a.display_name, a.username, a.avatar, b.id, b.display_name, b.username, b.avatar
		FROM chats c
		JOIN users a ON a.id = c.user_a
		JOIN users b ON b.id = c.user_b
		WHERE c.user_a = ? OR c.user_b = ?
		ORDER BY c.id`, userID, userID)
	if err != nil {
		return nil, err
	}
	var chats []model.Chat
	for rows.Next() {
		var c model.Chat
		var a, b model.User
		if err := rows.Scan(&c.ID, &a.ID, &a.DisplayName, &a.Username, &a.AvatarRef, &b.ID, &b.DisplayName, &b.Username, &b.AvatarRef); err != nil {
			_ = rows.Close()
			return nil, err
		}
		c.Participants = []model.User{a, b}
		chats = append(chats, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range chats {
		latest, err := db.latestMessage(chats[i].ID, userID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		chats[i].LatestMessage = &latest
	}
	return chats, nil
}

func (db *DB) latestMessage(chatID, viewerID string) (model.Message, error) {
	row := db.QueryRow(`
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.kind, m.created_at
		FROM messages m
		WHERE m.chat_id = ?
		  AND NOT EXISTS (SELECT 1 FROM hidden_messages h WHERE h.message_id = m.id AND h.user_id = ?)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1`, chatID, viewerID)
	m, err := scanMessage(row)
	if err != nil {
		return model.Message{}, notFound(err)
	}
	return m, nil
}
