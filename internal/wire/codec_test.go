package wire

import (
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func TestEncodeFixedBytes(t *testing.T) {
	req := require.New(t)

	data, err := Encode(Envelope{Kind: KindSendMessage, TargetUser: "bob", Text: "hi"})
	req.NoError(err)
	req.Equal(`{"v":1,"kind":"send_message","text":"hi","target_user":"bob"}`, string(data))

	data, err = Encode(UserList([]string{"alice", "bob"}))
	req.NoError(err)
	req.Equal(`{"v":1,"kind":"user_list_update","user_list":["alice","bob"]}`, string(data))
}

func TestDecodeClientEnvelopes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Envelope
	}{
		{
			name:  "register",
			input: `{"v":1,"kind":"register","text":"alice"}`,
			want:  Envelope{V: 1, Kind: KindRegister, Text: "alice"},
		},
		{
			name:  "start chat",
			input: `{"v":1,"kind":"start_chat","target_user":"bob"}`,
			want:  Envelope{V: 1, Kind: KindStartChat, TargetUser: "bob"},
		},
		{
			name:  "status offline",
			input: `{"v":1,"kind":"status_update","status":false}`,
			want:  Envelope{V: 1, Kind: KindStatusUpdate, Status: lo.ToPtr(false)},
		},
		{
			name:  "unknown fields ignored",
			input: `{"v":1,"kind":"send_message","text":"hi","target_user":"bob","colour":"red"}`,
			want:  Envelope{V: 1, Kind: KindSendMessage, Text: "hi", TargetUser: "bob"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"not json", `hello`, ErrInvalidEnvelope},
		{"missing version", `{"kind":"register","text":"a"}`, ErrUnsupportedVersion},
		{"future version", `{"v":2,"kind":"register","text":"a"}`, ErrUnsupportedVersion},
		{"string version", `{"v":"1","kind":"register","text":"a"}`, ErrUnsupportedVersion},
		{"unknown kind", `{"v":1,"kind":"shout","text":"a"}`, ErrInvalidEnvelope},
		{"register without name", `{"v":1,"kind":"register"}`, ErrInvalidEnvelope},
		{"message without target", `{"v":1,"kind":"send_message","text":"hi"}`, ErrInvalidEnvelope},
		{"message without text", `{"v":1,"kind":"send_message","target_user":"bob"}`, ErrInvalidEnvelope},
		{"chat without target", `{"v":1,"kind":"start_chat"}`, ErrInvalidEnvelope},
		{"status without flag", `{"v":1,"kind":"status_update"}`, ErrInvalidEnvelope},
		{"wrong field type", `{"v":1,"kind":"status_update","status":"yes"}`, ErrInvalidEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMailboxRequestValidation(t *testing.T) {
	req := require.New(t)

	data, err := EncodeRequest(MailboxRequest{Op: OpStore, RequestID: "r1", User: "bob", Body: "alice: hi"})
	req.NoError(err)
	req.Equal(`{"v":1,"op":"store","request_id":"r1","user":"bob","body":"alice: hi"}`, string(data))

	decoded, err := DecodeRequest(data)
	req.NoError(err)
	req.Equal(OpStore, decoded.Op)

	_, err = DecodeRequest([]byte(`{"v":1,"op":"store","user":"bob"}`))
	req.ErrorIs(err, ErrInvalidEnvelope)

	_, err = DecodeRequest([]byte(`{"v":1,"op":"fetch"}`))
	req.ErrorIs(err, ErrInvalidEnvelope)

	fetch, err := DecodeRequest([]byte(`{"v":1,"op":"fetch","user":"bob","max_bytes":4096}`))
	req.NoError(err)
	req.Equal(OpFetch, fetch.Op)
	req.EqualValues(4096, fetch.MaxBytes)

	_, err = DecodeRequest([]byte(`{"v":1,"op":"ack","user":"bob"}`))
	req.ErrorIs(err, ErrInvalidEnvelope, "an ack has to name the last sequence held")

	ack, err := DecodeRequest([]byte(`{"v":1,"op":"ack","user":"bob","through":42}`))
	req.NoError(err)
	req.EqualValues(42, ack.Through)
}

func TestClientOriginatedKinds(t *testing.T) {
	require.True(t, KindRegister.ClientOriginated())
	require.True(t, KindStatusUpdate.ClientOriginated())
	require.False(t, KindNotice.ClientOriginated())
	require.False(t, KindMessageBatch.ClientOriginated())
}
