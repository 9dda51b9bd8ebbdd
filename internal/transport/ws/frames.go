package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/fyrsmithlabs/parley/internal/model"
)

// Frame types.
const (
	TypeIdentify       = "identify"
	TypePrivateMessage = "private_message"
	TypeNewMessage     = string(model.EventNewMessage)
	TypeMessageSent    = string(model.EventMessageSent)
	TypeError          = "error"
)

var errUnknownType = errors.New("unknown frame type")

type envelope struct {
	Type string `json:"type"`
}

// IdentifyFrame binds the connection to a user.
type IdentifyFrame struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

// PrivateMessageFrame asks the server to send a message.
type PrivateMessageFrame struct {
	SenderID   string `json:"senderId" validate:"required,max=128"`
	ReceiverID string `json:"receiverId" validate:"required,max=128"`
	Message    string `json:"message" validate:"required"`
}

// OutboundFrame is every server-to-client frame.
type OutboundFrame struct {
	Type    string         `json:"type"`
	Message *model.Message `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// decode parses and validates one inbound frame. It returns an
// *IdentifyFrame or a *PrivateMessageFrame.
func decode(v *validator.Validate, data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var frame any
	switch env.Type {
	case TypeIdentify:
		frame = &IdentifyFrame{}
	case TypePrivateMessage:
		frame = &PrivateMessageFrame{}
	default:
		return nil, fmt.Errorf("%w %q", errUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", env.Type, err)
	}
	if err := v.Struct(frame); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %s", env.Type, describe(err))
	}
	return frame, nil
}

// describe flattens validator errors into "field: tag" pairs.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	out := ""
	for i, fe := range verrs {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s %s", fe.Field(), fe.Tag())
	}
	return out
}

func eventFrame(ev model.Event) OutboundFrame {
	msg := ev.Message
	return OutboundFrame{Type: string(ev.Type), Message: &msg}
}

func errorFrame(err error) OutboundFrame {
	return OutboundFrame{Type: TypeError, Error: err.Error()}
}
