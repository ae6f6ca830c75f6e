package wire

import "encoding/json"

// Op names a mailbox service operation.
type Op string

// Mailbox operations.
const (
	OpStore Op = "store"
	OpFetch Op = "fetch"
	OpAck   Op = "ack"
)

// MailboxRequest is the single request sent on a mailbox connection.
// RequestID lets the service recognise a store that was retried after its
// response got lost. Fetch leaves messages in place; they are only removed
// by an ack naming the last sequence the caller holds, so both can be
// repeated safely.
type MailboxRequest struct {
	V         int    `json:"v"`
	Op        Op     `json:"op" validate:"required,oneof=store fetch ack"`
	RequestID string `json:"request_id,omitempty"`
	User      string `json:"user" validate:"required"`
	Body      string `json:"body,omitempty" validate:"required_if=Op store"`
	// MaxBytes caps the encoded fetch response; zero leaves it to the service.
	MaxBytes uint32 `json:"max_bytes,omitempty"`
	Through  uint64 `json:"through,omitempty" validate:"required_if=Op ack"`
}

// MailboxResponse answers a MailboxRequest. Messages, Through and More are
// only set for fetches: Through is the sequence of the last message returned
// and More reports that the mailbox holds messages past it.
type MailboxResponse struct {
	V        int      `json:"v"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Messages []string `json:"messages,omitempty"`
	Through  uint64   `json:"through,omitempty"`
	More     bool     `json:"more,omitempty"`
}

// EncodeRequest serializes req with the current version.
func EncodeRequest(req MailboxRequest) ([]byte, error) {
	req.V = Version
	return json.Marshal(req)
}

// DecodeRequest parses and validates a mailbox request.
func DecodeRequest(data []byte) (MailboxRequest, error) {
	var req MailboxRequest
	if err := decodeVersioned(data, &req); err != nil {
		return MailboxRequest{}, err
	}
	return req, nil
}

// EncodeResponse serializes resp with the current version.
func EncodeResponse(resp MailboxResponse) ([]byte, error) {
	resp.V = Version
	return json.Marshal(resp)
}

// DecodeResponse parses a mailbox response.
func DecodeResponse(data []byte) (MailboxResponse, error) {
	var resp MailboxResponse
	if err := decodeVersioned(data, &resp); err != nil {
		return MailboxResponse{}, err
	}
	return resp, nil
}
