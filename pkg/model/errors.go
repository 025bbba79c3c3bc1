package model

import "errors"

var (
	ErrUnauthorized               = errors.New("unauthorized")
	ErrRoomNotFound               = errors.New("room not found")
	ErrNotMember                  = errors.New("not a member of this room")
	ErrAlreadySubscribedElsewhere = errors.New("already subscribed to another room")
	ErrNotSubscribed              = errors.New("not subscribed to a room")
	ErrEmptyBody                  = errors.New("message body is empty")
	ErrBodyTooLong                = errors.New("message body is too long")
	ErrStoreUnavailable           = errors.New("message store unavailable")
	ErrSlowConsumer               = errors.New("slow consumer")
	ErrMalformedFrame             = errors.New("malformed frame")
	ErrSessionClosed              = errors.New("session closed")
)

// Error codes carried by error frames.
const (
	CodeMalformedFrame    = "malformed_frame"
	CodeEmptyBody         = "empty_body"
	CodeBodyTooLong       = "body_too_long"
	CodeStoreUnavailable  = "store_unavailable"
	CodeRoomNotFound      = "room_not_found"
	CodeNotMember         = "not_member"
	CodeNotSubscribed     = "not_subscribed"
	CodeAlreadySubscribed = "already_subscribed"
	CodeInternal          = "internal"
)

// ErrorCode maps an error returned on the messaging path to the code shown
// to the client.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedFrame):
		return CodeMalformedFrame
	case errors.Is(err, ErrEmptyBody):
		return CodeEmptyBody
	case errors.Is(err, ErrBodyTooLong):
		return CodeBodyTooLong
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, ErrNotMember):
		return CodeNotMember
	case errors.Is(err, ErrNotSubscribed):
		return CodeNotSubscribed
	case errors.Is(err, ErrAlreadySubscribedElsewhere):
		return CodeAlreadySubscribed
	default:
		return CodeInternal
	}
}
