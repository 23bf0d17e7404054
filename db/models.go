package db

import "time"

// ListMode distinguishes one-to-many announcement lists from many-to-many
// discussion groups.
type ListMode string

const (
	ListModeBroadcast ListMode = "broadcast"
	ListModeGroup     ListMode = "group"
)

// MessageStatus is the terminal classification of one inbound message.
// Persisted as text for compatibility with existing reporting tooling.
type MessageStatus string

const (
	StatusOK                    MessageStatus = "ok"
	StatusBounce                MessageStatus = "bounce-msg"
	StatusSenderNotAllowed      MessageStatus = "sender-not-allowed"
	StatusSenderAuthFailed      MessageStatus = "sender-auth-failed"
	StatusDuplicate             MessageStatus = "duplicate"
	StatusDuplicateSameInstance MessageStatus = "duplicate-from-same-instance"
)

// SubscriberType marks whether a subscriber row is a plain address or a
// reference to another configured list.
type SubscriberType string

const (
	SubscriberTypeNormal SubscriberType = "normal"
	SubscriberTypeList   SubscriberType = "list"
)

// MailingList is one configured list with its mode, posting policy and the
// mailbox credentials the relay uses on its behalf.
type MailingList struct {
	ID                  string
	Address             string
	Name                string
	Mode                ListMode
	FromAddr            string
	AvoidDuplicates     bool
	OnlySubscribersSend bool
	AllowedSenders      []string
	SenderAuth          []string
	IMAPHost            string
	IMAPPort            int
	IMAPUser            string
	IMAPPassword        string
	IMAPTLS             bool
	SMTPHost            string
	SMTPPort            int
	SMTPUser            string
	SMTPPassword        string
	SMTPStartTLS        bool
	Deleted             bool
	DeletedAt           *time.Time
	CreatedAt           time.Time
}

type Subscriber struct {
	ID        int64
	ListID    string
	Email     string
	Name      string
	Comment   string
	Type      SubscriberType
	CreatedAt time.Time
}

// IncomingMessage is the append-only audit record of one processed inbound
// message. Never mutated after insert.
type IncomingMessage struct {
	ID          int64
	MessageID   string
	ListID      string
	Subject     string
	FromAddr    string
	Headers     map[string][]string
	Raw         []byte
	ContentHash string
	Status      MessageStatus
	ErrorInfo   *MessageErrorInfo
	ReceivedAt  time.Time
}

// MessageErrorInfo carries structured diagnostics for non-ok statuses,
// stored as jsonb.
type MessageErrorInfo struct {
	Reason            string   `json:"reason,omitempty"`
	BouncedRecipients []string `json:"bounced_recipients,omitempty"`
	MessageIDs        []string `json:"message_ids,omitempty"`
}

// OutgoingMessage records one list-send event. Recipients are not logged
// individually, only the per-send tallies returned to the caller.
type OutgoingMessage struct {
	ID          int64
	MessageID   string
	InMessageID string
	ListID      string
	SentAt      time.Time
}
