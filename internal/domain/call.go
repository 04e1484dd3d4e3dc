package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidTransition is returned when an event does not apply to the current status
	ErrInvalidTransition = errors.New("invalid call status transition")
	// ErrTerminalState is returned for any event applied to an ended, rejected or missed call
	ErrTerminalState = errors.New("call is already in a terminal state")
	// ErrCallNotFound is returned by call stores for unknown call ids
	ErrCallNotFound = errors.New("call not found")
	// ErrCalleeBusy is returned when the callee already has an active call
	ErrCalleeBusy = errors.New("callee already has an active call")
)

// CallType represents type of call
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// Valid reports whether t is a known call type
func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// CallStatus is the lifecycle state of a CallRecord
type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusMissed    CallStatus = "missed"
)

// IncomingStatuses are the statuses matched by the callee's incoming-call query
var IncomingStatuses = []CallStatus{CallStatusPending, CallStatusRinging}

// ActiveStatuses are all non-terminal statuses
var ActiveStatuses = []CallStatus{CallStatusPending, CallStatusRinging, CallStatusConnected}

// Rank orders statuses along pending -> ringing -> connected -> terminal.
// Unknown statuses rank -1.
func (s CallStatus) Rank() int {
	switch s {
	case CallStatusPending:
		return 0
	case CallStatusRinging:
		return 1
	case CallStatusConnected:
		return 2
	case CallStatusEnded, CallStatusRejected, CallStatusMissed:
		return 3
	}
	return -1
}

// IsTerminal reports whether no further transition may leave s
func (s CallStatus) IsTerminal() bool {
	return s == CallStatusEnded || s == CallStatusRejected || s == CallStatusMissed
}

// IsActive reports whether s is a known non-terminal status
func (s CallStatus) IsActive() bool {
	return s == CallStatusPending || s == CallStatusRinging || s == CallStatusConnected
}

// CallEvent drives CallStatus transitions
type CallEvent string

const (
	EventOfferSent CallEvent = "offer_sent"
	EventAnswered  CallEvent = "answered"
	EventHangup    CallEvent = "hangup"
	EventRejected  CallEvent = "rejected"
	EventMissed    CallEvent = "missed"
)

type transitionKey struct {
	from  CallStatus
	event CallEvent
}

var transitions = map[transitionKey]CallStatus{
	{CallStatusPending, EventOfferSent}:  CallStatusRinging,
	{CallStatusRinging, EventAnswered}:   CallStatusConnected,
	{CallStatusPending, EventHangup}:     CallStatusEnded,
	{CallStatusRinging, EventHangup}:     CallStatusEnded,
	{CallStatusConnected, EventHangup}:   CallStatusEnded,
	{CallStatusPending, EventRejected}:   CallStatusRejected,
	{CallStatusRinging, EventRejected}:   CallStatusRejected,
	{CallStatusPending, EventMissed}:     CallStatusMissed,
	{CallStatusRinging, EventMissed}:     CallStatusMissed,
}

// Apply returns the status reached by applying e to s
func (s CallStatus) Apply(e CallEvent) (CallStatus, error) {
	if s.IsTerminal() {
		return s, fmt.Errorf("%w: %s on %s", ErrTerminalState, e, s)
	}
	next, ok := transitions[transitionKey{s, e}]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, e, s)
	}
	return next, nil
}

// Sources returns the statuses from which e is accepted
func (e CallEvent) Sources() []CallStatus {
	var out []CallStatus
	for _, s := range ActiveStatuses {
		if _, ok := transitions[transitionKey{s, e}]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Target returns the status e leads to. Every event has a single target.
func (e CallEvent) Target() CallStatus {
	for k, v := range transitions {
		if k.event == e {
			return v
		}
	}
	return ""
}

// CanTransition reports whether some event moves from into to
func CanTransition(from, to CallStatus) bool {
	for k, v := range transitions {
		if k.from == from && v == to {
			return true
		}
	}
	return false
}

// SessionDescription is an opaque SDP payload
type SessionDescription struct {
	Type string `json:"type" firestore:"type" bson:"type"`
	SDP  string `json:"sdp" firestore:"sdp" bson:"sdp"`
}

// CallRecord is the shared signaling document for one call attempt
type CallRecord struct {
	ID             string              `json:"id" firestore:"-" bson:"_id"`
	ChatID         string              `json:"chat_id" firestore:"chatId" bson:"chatId"`
	CallerID       string              `json:"caller_id" firestore:"callerId" bson:"callerId"`
	CallerName     string              `json:"caller_name" firestore:"callerName" bson:"callerName"`
	CallerPhotoURL string              `json:"caller_photo_url,omitempty" firestore:"callerPhotoURL,omitempty" bson:"callerPhotoURL,omitempty"`
	CalleeID       string              `json:"callee_id" firestore:"calleeId" bson:"calleeId"`
	CallType       CallType            `json:"call_type" firestore:"callType" bson:"callType"`
	Status         CallStatus          `json:"status" firestore:"status" bson:"status"`
	Offer          *SessionDescription `json:"offer,omitempty" firestore:"offer,omitempty" bson:"offer,omitempty"`
	Answer         *SessionDescription `json:"answer,omitempty" firestore:"answer,omitempty" bson:"answer,omitempty"`
	CreatedAt      time.Time           `json:"created_at" firestore:"createdAt" bson:"createdAt"`
	AnsweredAt     *time.Time          `json:"answered_at,omitempty" firestore:"answeredAt,omitempty" bson:"answeredAt,omitempty"`
	EndedAt        *time.Time          `json:"ended_at,omitempty" firestore:"endedAt,omitempty" bson:"endedAt,omitempty"`
}

// Duration is the connected time of the call, zero if it never connected or has not ended
func (c *CallRecord) Duration() time.Duration {
	if c.AnsweredAt == nil || c.EndedAt == nil || c.EndedAt.Before(*c.AnsweredAt) {
		return 0
	}
	return c.EndedAt.Sub(*c.AnsweredAt)
}

// PeerOf returns the other participant for userID
func (c *CallRecord) PeerOf(userID string) string {
	if userID == c.CallerID {
		return c.CalleeID
	}
	return c.CallerID
}

// CallUpdate carries the fields written together with a status transition.
// Nil fields are left untouched.
type CallUpdate struct {
	Offer      *SessionDescription
	Answer     *SessionDescription
	AnsweredAt *time.Time
	EndedAt    *time.Time
}

// ApplyTo copies the non-nil fields onto rec
func (u CallUpdate) ApplyTo(rec *CallRecord) {
	if u.Offer != nil {
		rec.Offer = u.Offer
	}
	if u.Answer != nil {
		rec.Answer = u.Answer
	}
	if u.AnsweredAt != nil {
		rec.AnsweredAt = u.AnsweredAt
	}
	if u.EndedAt != nil {
		rec.EndedAt = u.EndedAt
	}
}
