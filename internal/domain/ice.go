package domain

import "time"

// ICECandidate mirrors the browser RTCIceCandidateInit payload
type ICECandidate struct {
	Candidate        string  `json:"candidate" firestore:"candidate" bson:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" firestore:"sdpMid,omitempty" bson:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" firestore:"sdpMLineIndex,omitempty" bson:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" firestore:"usernameFragment,omitempty" bson:"usernameFragment,omitempty"`
}

// IceCandidateRecord is an append-only child of a CallRecord
type IceCandidateRecord struct {
	ID        string       `json:"id" firestore:"-" bson:"_id,omitempty"`
	CallID    string       `json:"call_id" firestore:"-" bson:"callId"`
	Sender    string       `json:"sender" firestore:"sender" bson:"sender"`
	Candidate ICECandidate `json:"candidate" firestore:"candidate" bson:"candidate"`
	CreatedAt time.Time    `json:"created_at" firestore:"createdAt" bson:"createdAt"`
}

// ChangeType is the kind of a live subcollection change
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// IceCandidateChange is one delivery from a candidate subscription
type IceCandidateChange struct {
	Type   ChangeType
	Record *IceCandidateRecord
}
