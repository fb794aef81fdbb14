package store

import (
	"time"

	"github.com/matheus3301/nova/internal/model"
)

// UpsertUser inserts or updates a user profile.
func (db *DB) UpsertUser(u model.User) error {
	_, err := db.Exec(`
		INSERT INTO users (id, display_name, username, avatar, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			username = excluded.username,
			avatar = excluded.avatar`,
		u.ID, u.DisplayName, u.Username, u.AvatarRef, time.Now().UnixMilli())
	return err
}

// GetUser returns the user with id.
func (db *DB) GetUser(id string) (model.User, error) {
	var u model.User
	err := db.QueryRow(`SELECT id, display_name, username, avatar FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &u.Username, &u.AvatarRef)
	if err != nil {
		return model.User{}, notFound(err)
	}
	return u, nil
}
