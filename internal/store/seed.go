package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/nova/internal/model"
)

// Seed fills an empty database with a small set of contacts around me so
// the offline backend has something to show. It is a no-op once me has any
// chat.
func (db *DB) Seed(me model.User) error {
	if err := db.UpsertUser(me); err != nil {
		return fmt.Errorf("seed me: %w", err)
	}
	chats, err := db.ListChats(me.ID)
	if err != nil {
		return err
	}
	if len(chats) > 0 {
		return nil
	}

	friends := []model.User{
		{ID: "ana", DisplayName: "Ana Souza", Username: "ana"},
		{ID: "bruno", DisplayName: "Bruno Lima", Username: "bruno"},
	}
	for _, u := range friends {
		if err := db.UpsertUser(u); err != nil {
			return fmt.Errorf("seed %s: %w", u.ID, err)
		}
	}

	chatID, _, err := db.EnsureChat(me.ID, "ana")
	if err != nil {
		return fmt.Errorf("seed chat: %w", err)
	}
	at := time.Now().Add(-time.Hour)
	for i, line := range []struct{ from, text string }{
		{"ana", "Oi! Tudo bem?"},
		{me.ID, "Tudo, e você?"},
		{"ana", "Bora uma chamada mais tarde?"},
	} {
		if _, err := db.InsertMessage(chatID, line.from, line.text, model.KindText, at.Add(time.Duration(i)*time.Minute)); err != nil {
			return fmt.Errorf("seed message: %w", err)
		}
	}
	if _, err := db.CreateFriendRequest("bruno", me.ID); err != nil {
		return fmt.Errorf("seed friend request: %w", err)
	}
	return nil
}
