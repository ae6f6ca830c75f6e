// Package wire defines the versioned envelopes exchanged with chat clients and
// the mailbox service, together with the length-prefixed framing used on raw
// stream connections.
package wire

// Version is the schema version stamped on every encoded envelope. Payloads
// carrying any other version are rejected before decoding.
const Version = 1

// Kind tags an Envelope with the operation it carries.
type Kind string

// Envelope kinds. The first four are sent by clients, the last three by the
// server.
const (
	KindRegister       Kind = "register"
	KindStartChat      Kind = "start_chat"
	KindSendMessage    Kind = "send_message"
	KindStatusUpdate   Kind = "status_update"
	KindUserListUpdate Kind = "user_list_update"
	KindNotice         Kind = "notice"
	KindMessageBatch   Kind = "message_batch"
)

// ClientOriginated reports whether a client is allowed to send this kind.
func (k Kind) ClientOriginated() bool {
	switch k {
	case KindRegister, KindStartChat, KindSendMessage, KindStatusUpdate:
		return true
	default:
		return false
	}
}

// NoticeCode lets a client tell notices apart without parsing their text.
type NoticeCode string

// Notice codes.
const (
	CodeRegistered        NoticeCode = "registered"
	CodeUsernameTaken     NoticeCode = "username_taken"
	CodeInvalidUsername   NoticeCode = "invalid_username"
	CodeAlreadyRegistered NoticeCode = "already_registered"
	CodeNotRegistered     NoticeCode = "not_registered"
	CodeChatStarted       NoticeCode = "chat_started"
	CodeChatRequested     NoticeCode = "chat_requested"
	CodeNotFound          NoticeCode = "not_found"
	CodeInvalidTarget     NoticeCode = "invalid_target"
	CodeNoChat            NoticeCode = "no_chat"
	CodeDelivered         NoticeCode = "delivered"
	CodeQueued            NoticeCode = "queued"
	CodeStoreFailed       NoticeCode = "store_failed"
	CodeStatusChanged     NoticeCode = "status_changed"
	CodeInvalidEnvelope   NoticeCode = "invalid_envelope"
	CodeUnsupportedKind   NoticeCode = "unsupported_kind"
	CodeRateLimited       NoticeCode = "rate_limited"
)

// Envelope is one discrete unit of the chat protocol.
type Envelope struct {
	V          int        `json:"v"`
	Kind       Kind       `json:"kind" validate:"required,oneof=register start_chat send_message status_update user_list_update notice message_batch"`
	Text       string     `json:"text,omitempty" validate:"required_if=Kind register,required_if=Kind send_message"`
	TargetUser string     `json:"target_user,omitempty" validate:"required_if=Kind start_chat,required_if=Kind send_message"`
	FromUser   string     `json:"from_user,omitempty"`
	Status     *bool      `json:"status,omitempty" validate:"required_if=Kind status_update"`
	UserList   []string   `json:"user_list,omitempty"`
	Messages   []string   `json:"messages,omitempty"`
	Code       NoticeCode `json:"code,omitempty"`
}

// Notice builds a server notice.
func Notice(code NoticeCode, text string) Envelope {
	return Envelope{Kind: KindNotice, Code: code, Text: text}
}

// UserList builds a user list update.
func UserList(users []string) Envelope {
	return Envelope{Kind: KindUserListUpdate, UserList: users}
}

// Direct builds a message delivered live from one user to another.
func Direct(from, body string) Envelope {
	return Envelope{Kind: KindSendMessage, FromUser: from, Text: body}
}

// Batch builds the envelope that hands a drained mailbox to its owner.
func Batch(messages []string) Envelope {
	return Envelope{Kind: KindMessageBatch, Messages: messages}
}
