package protocol

import "github.com/dkeye/Telecall/internal/domain"

// OutgoingCall is sent by the caller to ring a recipient.
type OutgoingCall struct {
	CallType    domain.CallKind `json:"callType" validate:"required,oneof=audio video"`
	CallerID    domain.UserID   `json:"callerId" validate:"required"`
	RecipientID domain.UserID   `json:"recipientId" validate:"required"`
}

// IncomingCall is what the recipient sees, with the caller's public identity.
type IncomingCall struct {
	CallType    domain.CallKind `json:"callType" validate:"required,oneof=audio video"`
	CallerID    domain.UserID   `json:"callerId" validate:"required"`
	CallerName  string          `json:"callerName"`
	CallerImage string          `json:"callerImage,omitempty"`
}

// Caller returns the caller as a domain user.
func (p IncomingCall) Caller() domain.User {
	return domain.User{ID: p.CallerID, Name: p.CallerName, Image: p.CallerImage}
}

type AcceptCall struct {
	CallerID   domain.UserID `json:"callerId" validate:"required"`
	ReceiverID domain.UserID `json:"receiverId" validate:"required"`
}

type CallAccepted struct {
	CallerID      domain.UserID `json:"callerId" validate:"required"`
	ReceiverID    domain.UserID `json:"receiverId" validate:"required"`
	ReceiverName  string        `json:"receiverName,omitempty"`
	ReceiverImage string        `json:"receiverImage,omitempty"`
}

type DeclineCall struct {
	CallerID   domain.UserID `json:"callerId" validate:"required"`
	ReceiverID domain.UserID `json:"receiverId,omitempty"`
}

// CallDeclined may arrive without receiverId from older backends.
type CallDeclined struct {
	CallerID   domain.UserID `json:"callerId" validate:"required"`
	ReceiverID domain.UserID `json:"receiverId,omitempty"`
}

type CancelCall struct {
	CallerID    domain.UserID `json:"callerId" validate:"required"`
	RecipientID domain.UserID `json:"recipientId" validate:"required"`
}

type EndCall struct {
	CallerID   domain.UserID `json:"callerId" validate:"required"`
	ReceiverID domain.UserID `json:"receiverId" validate:"required"`
}

// Other returns the party of the call that is not self.
func (p EndCall) Other(self domain.UserID) domain.UserID {
	if p.CallerID == self {
		return p.ReceiverID
	}
	return p.CallerID
}

// TherapyMessage is the outbound chat payload, sent wrapped in Quoted.
type TherapyMessage struct {
	RoomID  domain.RoomID `json:"room_id" validate:"required"`
	Message string        `json:"message" validate:"required"`
}

// ChatDelivery is one message pushed by the backend.
type ChatDelivery struct {
	domain.Message
}
