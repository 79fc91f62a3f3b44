package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MalformedMessageError reports a text frame that is not a valid envelope
// or whose parameters do not match its type.
type MalformedMessageError struct {
	Type string
	Err  error
}

func (e *MalformedMessageError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("malformed %s message: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("malformed message: %v", e.Err)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err came from decoding a bad frame.
func IsMalformed(err error) bool {
	var malformed *MalformedMessageError
	return errors.As(err, &malformed)
}

var (
	errMissingType = errors.New("missing type")
	errMissingSeq  = errors.New("missing seq")
	errMissingID   = errors.New("missing id")
)

// DecodeClientMessage parses one text frame into an envelope. It checks
// only shape; sequencing and identity are the session's job.
func DecodeClientMessage(raw []byte) (*ClientMessage, error) {
	var envelope struct {
		ClientMessage
		Seq *int64 `json:"seq"`
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &MalformedMessageError{Err: err}
	}

	msg := envelope.ClientMessage
	switch {
	case msg.Type == "":
		return nil, &MalformedMessageError{Err: errMissingType}
	case envelope.Seq == nil:
		return nil, &MalformedMessageError{Type: string(msg.Type), Err: errMissingSeq}
	case msg.ID == "":
		return nil, &MalformedMessageError{Type: string(msg.Type), Err: errMissingID}
	}
	msg.Seq = *envelope.Seq

	return &msg, nil
}
