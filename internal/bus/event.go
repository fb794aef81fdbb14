package bus

import "time"

// Event kinds published by the session controller. Subscribers filter by
// prefix, so "notice." receives every user-facing notice.
const (
	KindStateChanged      = "session.changed"
	KindConnectivity      = "session.connectivity"
	KindNoticeError       = "notice.error"
	KindNoticeFriendReq   = "notice.friend_request"
	KindNoticeAccepted    = "notice.request_accepted"
	KindNoticeCall        = "notice.call"
	KindChannelPrefix     = "channel."
	KindCallStateChanged  = "call.state_changed"
	KindMessageRolledBack = "message.rolled_back"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Notice is the payload of notice.* events.
type Notice struct {
	Text   string
	ChatID string
	Err    error
}
