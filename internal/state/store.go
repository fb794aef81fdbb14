// Package state holds the session store: the single source of truth for the
// current user, chat list, active chat, its messages and the active call.
//
// Store mutators are not synchronized. They must only be called from the
// session loop, and only by the controllers (realtime, reconcile, chatlist,
// call). Views get a Reader, which serves immutable snapshots that are safe
// to read from any goroutine.
package state

import (
	"slices"
	"sync/atomic"

	"github.com/matheus3301/nova/internal/bus"
	"github.com/matheus3301/nova/internal/model"
)

// Snapshot is an immutable copy of the session state.
type Snapshot struct {
	Version      uint64
	Me           model.User
	Chats        []model.Chat
	ActiveChatID string
	Messages     []model.Message
	Call         *model.CallInfo
}

// Message returns the message with id from the snapshot.
func (s Snapshot) Message(id string) (model.Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

// Reader is the read-only view of the store handed to the view layer.
type Reader interface {
	Snapshot() Snapshot
}

// Store is the mutable session state.
type Store struct {
	bus *bus.Bus

	me       model.User
	chats    []model.Chat
	active   string
	messages []model.Message
	index    map[string]int
	call     *model.CallInfo
	version  uint64

	snap atomic.Pointer[Snapshot]
}

// New creates an empty store. b may be nil.
func New(b *bus.Bus) *Store {
	s := &Store{bus: b, index: make(map[string]int)}
	s.snap.Store(&Snapshot{})
	return s
}

// Snapshot returns the last published state. Safe for concurrent use.
func (s *Store) Snapshot() Snapshot {
	return *s.snap.Load()
}

// Me returns the current user.
func (s *Store) Me() model.User { return s.me }

// SetMe records the current user.
func (s *Store) SetMe(u model.User) {
	s.me = u
	s.publish()
}

// ActiveChatID returns the open chat, or "" when none is open.
func (s *Store) ActiveChatID() string { return s.active }

// Chat returns the chat summary with id.
func (s *Store) Chat(id string) (model.Chat, bool) {
	for _, c := range s.chats {
		if c.ID == id {
			return c, true
		}
	}
	return model.Chat{}, false
}

// Call returns the active call projection, or nil.
func (s *Store) Call() *model.CallInfo { return s.call }

// SetActiveChat opens chatID. Switching to a different chat clears the
// message list.
func (s *Store) SetActiveChat(chatID string) {
	if s.active == chatID {
		return
	}
	s.active = chatID
	s.messages = nil
	s.index = make(map[string]int)
	s.publish()
}

// ReplaceChats replaces the chat list wholesale and re-applies the active
// chat pointer. It reports whether the active chat was cleared because it is
// no longer in the list.
func (s *Store) ReplaceChats(chats []model.Chat) (cleared bool) {
	s.chats = slices.Clone(chats)
	SortChats(s.chats)
	if s.active != "" {
		if _, ok := s.Chat(s.active); !ok {
			s.active = ""
			s.messages = nil
			s.index = make(map[string]int)
			cleared = true
		}
	}
	s.publish()
	return cleared
}

// UpdateChatSummary sets msg as the chat's latest message when it is newer
// than the current one. Unknown chats are left alone; the next refresh
// brings them in.
func (s *Store) UpdateChatSummary(msg model.Message) bool {
	for i := range s.chats {
		c := &s.chats[i]
		if c.ID != msg.ChatID {
			continue
		}
		if c.LatestMessage != nil && !msg.CreatedAt.After(c.LatestMessage.CreatedAt) {
			return false
		}
		latest := msg
		c.LatestMessage = &latest
		SortChats(s.chats)
		s.publish()
		return true
	}
	return false
}

// HasMessage reports whether id is in the open chat's list.
func (s *Store) HasMessage(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Message returns the message with id and its position.
func (s *Store) Message(id string) (model.Message, int, bool) {
	pos, ok := s.index[id]
	if !ok {
		return model.Message{}, -1, false
	}
	return s.messages[pos], pos, true
}

// ReplaceMessages installs a fetched history for chatID. It is ignored when
// chatID is not the open chat. Duplicate ids keep their first occurrence and
// local pending messages of the chat are kept at the end.
func (s *Store) ReplaceMessages(chatID string, msgs []model.Message) bool {
	if chatID == "" || chatID != s.active {
		return false
	}
	var pending []model.Message
	for _, m := range s.messages {
		if m.State == model.Pending {
			pending = append(pending, m)
		}
	}
	s.messages = make([]model.Message, 0, len(msgs)+len(pending))
	s.index = make(map[string]int, len(msgs)+len(pending))
	for _, m := range slices.Concat(msgs, pending) {
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		s.index[m.ID] = len(s.messages)
		s.messages = append(s.messages, m)
	}
	s.publish()
	return true
}

// AppendMessage adds msg to the open chat's list. It is idempotent on the
// message id and reports whether the list changed.
func (s *Store) AppendMessage(msg model.Message) bool {
	if msg.ChatID != s.active {
		return false
	}
	if _, dup := s.index[msg.ID]; dup {
		return false
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.publish()
	return true
}

// ConfirmMessage reconciles the pending entry tempID with the server's
// confirmed message. The pending entry is replaced in place, or dropped when
// the confirmed id is already listed because the event stream delivered it
// first. When the pending entry is gone the confirmed message is appended
// if it belongs to the open chat.
func (s *Store) ConfirmMessage(tempID string, msg model.Message) {
	pos, hasTemp := s.index[tempID]
	_, hasFinal := s.index[msg.ID]
	switch {
	case hasTemp && hasFinal:
		s.removeAt(pos)
	case hasTemp:
		s.messages[pos] = msg
		delete(s.index, tempID)
		s.index[msg.ID] = pos
	case !hasFinal && msg.ChatID == s.active:
		s.index[msg.ID] = len(s.messages)
		s.messages = append(s.messages, msg)
	default:
		return
	}
	s.publish()
}

// RemoveMessage deletes id from the open chat's list, returning the removed
// message and the position it held.
func (s *Store) RemoveMessage(id string) (model.Message, int, bool) {
	pos, ok := s.index[id]
	if !ok {
		return model.Message{}, -1, false
	}
	msg := s.messages[pos]
	s.removeAt(pos)
	s.publish()
	return msg, pos, true
}

// InsertMessageAt puts msg back at pos (clamped to the list bounds). It is
// a no-op when the id is already present or the chat is not open.
func (s *Store) InsertMessageAt(pos int, msg model.Message) bool {
	if msg.ChatID != s.active {
		return false
	}
	if _, dup := s.index[msg.ID]; dup {
		return false
	}
	pos = max(0, min(pos, len(s.messages)))
	s.messages = slices.Insert(s.messages, pos, msg)
	s.reindex(pos)
	s.publish()
	return true
}

// SetCall replaces the active call projection. nil clears it.
func (s *Store) SetCall(info *model.CallInfo) {
	if info != nil {
		cp := *info
		info = &cp
	}
	s.call = info
	s.publish()
}

func (s *Store) removeAt(pos int) {
	delete(s.index, s.messages[pos].ID)
	s.messages = slices.Delete(s.messages, pos, pos+1)
	s.reindex(pos)
}

func (s *Store) reindex(from int) {
	for i := from; i < len(s.messages); i++ {
		s.index[s.messages[i].ID] = i
	}
}

func (s *Store) publish() {
	s.version++
	snap := &Snapshot{
		Version:      s.version,
		Me:           s.me,
		Chats:        slices.Clone(s.chats),
		ActiveChatID: s.active,
		Messages:     slices.Clone(s.messages),
	}
	if s.call != nil {
		cp := *s.call
		snap.Call = &cp
	}
	s.snap.Store(snap)
	s.bus.Emit(bus.KindStateChanged, snap.Version)
}
