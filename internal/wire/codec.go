package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

var (
	// ErrInvalidEnvelope is returned for payloads that are not well formed
	// or miss fields required by their kind.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrUnsupportedVersion is returned when the "v" field is absent or does
	// not match Version.
	ErrUnsupportedVersion = errors.New("unsupported envelope version")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode stamps env with the current version and serializes it.
func Encode(env Envelope) ([]byte, error) {
	env.V = Version
	return json.Marshal(env)
}

// Decode parses and validates one envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeVersioned(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// MustEncode is Encode for envelopes built by the server itself, which can
// not fail to marshal.
func MustEncode(env Envelope) []byte {
	data, err := Encode(env)
	if err != nil {
		panic(fmt.Sprintf("wire: encode %s: %v", env.Kind, err))
	}
	return data
}

func decodeVersioned(data []byte, out any) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("%w: malformed JSON", ErrInvalidEnvelope)
	}
	v := gjson.GetBytes(data, "v")
	if !v.Exists() || v.Type != gjson.Number || v.Int() != Version {
		return fmt.Errorf("%w: got %q, want %d", ErrUnsupportedVersion, v.Raw, Version)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}
