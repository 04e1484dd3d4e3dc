// Package history turns terminal call records into chat timeline entries and
// keeps the per-user call archive.
package history

import (
	"fmt"
	"strings"
	"time"

	"secureconnect-calls/internal/domain"
)

// Direction is the call direction as seen by the viewer
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Kind classifies a timeline entry
type Kind string

const (
	KindCompleted Kind = "completed"
	KindMissed    Kind = "missed"
	KindDeclined  Kind = "declined"
	KindCancelled Kind = "cancelled"
	KindNoAnswer  Kind = "no_answer"
	KindOngoing   Kind = "ongoing"
)

// Entry is one call in the chat timeline
type Entry struct {
	CallID    string            `json:"call_id"`
	ChatID    string            `json:"chat_id,omitempty"`
	PeerID    string            `json:"peer_id"`
	CallType  domain.CallType   `json:"call_type"`
	Status    domain.CallStatus `json:"status"`
	Kind      Kind              `json:"kind"`
	Direction Direction         `json:"direction"`
	Duration  time.Duration     `json:"duration"`
	Text      string            `json:"text"`
	At        time.Time         `json:"at"`
}

func typeLabel(t domain.CallType) string {
	if t == domain.CallTypeVideo {
		return "video"
	}
	return "voice"
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// FormatDuration renders d as m:ss, or h:mm:ss from one hour on
func FormatDuration(d time.Duration) string {
	total := int(d.Round(time.Second) / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// Summarize describes rec from viewerID's side of the call
func Summarize(rec *domain.CallRecord, viewerID string) Entry {
	e := Entry{
		CallID:    rec.ID,
		ChatID:    rec.ChatID,
		PeerID:    rec.PeerOf(viewerID),
		CallType:  rec.CallType,
		Status:    rec.Status,
		Direction: DirectionIncoming,
		Duration:  rec.Duration(),
		At:        rec.CreatedAt,
	}
	if viewerID == rec.CallerID {
		e.Direction = DirectionOutgoing
	}
	label := typeLabel(rec.CallType)

	switch rec.Status {
	case domain.CallStatusEnded:
		if rec.AnsweredAt != nil {
			e.Kind = KindCompleted
			e.Text = fmt.Sprintf("%s call · %s", capitalize(label), FormatDuration(e.Duration))
			break
		}
		// Hung up before it was answered.
		if e.Direction == DirectionOutgoing {
			e.Kind = KindCancelled
			e.Text = "Cancelled call"
		} else {
			e.Kind = KindMissed
			e.Text = fmt.Sprintf("Missed %s call", label)
		}
	case domain.CallStatusMissed:
		if e.Direction == DirectionOutgoing {
			e.Kind = KindNoAnswer
			e.Text = fmt.Sprintf("%s call · No answer", capitalize(label))
		} else {
			e.Kind = KindMissed
			e.Text = fmt.Sprintf("Missed %s call", label)
		}
	case domain.CallStatusRejected:
		e.Kind = KindDeclined
		e.Text = "Call declined"
	default:
		e.Kind = KindOngoing
		e.Text = fmt.Sprintf("Ongoing %s call", label)
	}

	if rec.EndedAt != nil {
		e.At = *rec.EndedAt
	}
	return e
}
