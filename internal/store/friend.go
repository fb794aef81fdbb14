package store

import (
	"time"

	"github.com/google/uuid"
)

// Friend request statuses.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
)

// FriendRequest is a pending or answered friendship request.
type FriendRequest struct {
	ID        string
	FromID    string
	ToID      string
	Status    string
	CreatedAt time.Time
}

// CreateFriendRequest records a pending request from fromID to toID.
func (db *DB) CreateFriendRequest(fromID, toID string) (FriendRequest, error) {
	r := FriendRequest{
		ID:        uuid.NewString(),
		FromID:    fromID,
		ToID:      toID,
		Status:    RequestPending,
		CreatedAt: time.UnixMilli(time.Now().UnixMilli()).UTC(),
	}
	_, err := db.Exec(`INSERT INTO friend_requests (id, from_id, to_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.FromID, r.ToID, r.Status, r.CreatedAt.UnixMilli())
	if err != nil {
		return FriendRequest{}, err
	}
	return r, nil
}

// GetFriendRequest returns the request with id.
func (db *DB) GetFriendRequest(id string) (FriendRequest, error) {
	var r FriendRequest
	var createdAt int64
	err := db.QueryRow(`SELECT id, from_id, to_id, status, created_at FROM friend_requests WHERE id = ?`, id).
		Scan(&r.ID, &r.FromID, &r.ToID, &r.Status, &createdAt)
	if err != nil {
		return FriendRequest{}, notFound(err)
	}
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	return r, nil
}

// SetFriendRequestStatus answers a pending request. Answered requests are
// left alone and reported as not found.
func (db *DB) SetFriendRequestStatus(id, status string) error {
	res, err := db.Exec(`UPDATE friend_requests SET status = ? WHERE id = ? AND status = ?`, status, id, RequestPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
