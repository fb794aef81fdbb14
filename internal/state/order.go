package state

import (
	"cmp"
	"slices"

	"github.com/matheus3301/nova/internal/model"
)

// SortChats orders chats by latest message time, newest first. Ties, and
// chats without messages, fall back to ascending chat id.
func SortChats(chats []model.Chat) {
	slices.SortStableFunc(chats, func(a, b model.Chat) int {
		if c := b.LastActivity().Compare(a.LastActivity()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
