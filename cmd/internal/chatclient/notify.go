package chatclient

import "log/slog"

// NoticeKind classifies user-visible notifications.
type NoticeKind string

const (
	NoticeConnectFailed  NoticeKind = "connect_failed"
	NoticeSendFailed     NoticeKind = "send_failed"
	NoticeSessionExpired NoticeKind = "session_expired"
)

// Notice texts shown to users.
const (
	MsgConnectFailed  = "Failed to connect to chat server"
	MsgSendFailed     = "Failed to send message"
	MsgSessionExpired = "Session expired, please log in again"
)

// Notice is a user-visible notification (a toast in a UI).
type Notice struct {
	Kind    NoticeKind
	Message string
	Err     error
}

// Notifier surfaces notices to the user. Implementations must not block.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notice) { f(n) }

type logNotifier struct{ log *slog.Logger }

func (l logNotifier) Notify(n Notice) {
	l.log.Warn("chat.notice", "kind", string(n.Kind), "message", n.Message, "err", n.Err)
}
