package models

import (
	"encoding/json"
	"time"
)

type JobKind string

const (
	KindChat  JobKind = "chat"
	KindImage JobKind = "image"
	KindVideo JobKind = "video"
)

// ParseJobKind accepts the wire names used by the bot and the web API.
func ParseJobKind(raw string) (JobKind, bool) {
	switch JobKind(raw) {
	case KindChat, KindImage, KindVideo:
		return JobKind(raw), true
	default:
		return "", false
	}
}

type JobStatus string

const (
	JobSubmitted JobStatus = "submitted"
	JobPolling   JobStatus = "polling"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut:
		return true
	default:
		return false
	}
}

// CreditTier names the balance a unit was taken from.
type CreditTier string

const (
	TierNone     CreditTier = ""
	TierPriority CreditTier = "priority"
	TierStandard CreditTier = "standard"
)

type User struct {
	ID              int64
	Username        string
	FirstName       string
	CreditsPriority int
	CreditsStandard int
	ReferredBy      *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (u *User) Balance() int {
	return u.CreditsPriority + u.CreditsStandard
}

type Job struct {
	ID        int64
	OwnerID   int64
	Kind      JobKind
	RequestID string
	Status    JobStatus
	Payload   json.RawMessage
	Detail    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Payment struct {
	ID        int64
	UserID    int64
	Provider  string
	ChargeID  string
	Currency  string
	Amount    int
	Credits   int
	Payload   string
	CreatedAt time.Time
}

// Button is a transport-neutral selectable control attached to an outbound notification.
// Exactly one of Data, URL or SwitchQuery is expected to be set.
type Button struct {
	Text        string
	Data        string
	URL         string
	SwitchQuery string
}

type Keyboard [][]Button
