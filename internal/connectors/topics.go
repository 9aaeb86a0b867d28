package connectors

const (
	TopicConnStatus       = "conn.status"
	TopicMessage          = "chat.message"
	TopicMessageStatus    = "message.status"
	TopicRoomList         = "room.list"
	TopicPresenceDiff     = "presence.diff"
	TopicPresenceSnapshot = "presence.snapshot"
	TopicHistoryLoaded    = "history.loaded"
	TopicHistoryFailed    = "history.failed"
	TopicRawFrameIn       = "raw.frame.in"
	TopicRawFrameOut      = "raw.frame.out"
)
