// Package event defines the envelope shared by the event store, the message
// bus and the projection service, plus the typed payload for every event
// kind the two aggregates emit.
//
// An envelope exists in two payload representations: the plaintext bytes held
// in memory by the process that produced or decrypted it, and the
// encrypted-at-rest triple {ciphertext, iv, authTag}. Converting between the
// two is the crypto package's job; nothing else touches tenant keys.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// AggregateType identifies which state machine an event belongs to.
type AggregateType string

const (
	AggregateTask         AggregateType = "TASK"
	AggregateCreditLedger AggregateType = "CREDIT_LEDGER"
)

// Type enumerates every event kind. The set is closed: aggregates switch
// over it so adding a kind without teaching the reducers is a compile-time
// conversation, not a silent lookup miss.
type Type string

const (
	TaskCreated   Type = "TaskCreated"
	TaskStarted   Type = "TaskStarted"
	TaskCompleted Type = "TaskCompleted"
	TaskFailed    Type = "TaskFailed"
	TaskTimedOut  Type = "TaskTimedOut"

	CreditsAllocated Type = "CreditsAllocated"
	CreditsReserved  Type = "CreditsReserved"
	CreditsConsumed  Type = "CreditsConsumed"
	CreditsRefunded  Type = "CreditsRefunded"
)

// EncryptedPayload is the at-rest and on-wire payload form. All three
// components are independently base64 (std) encoded.
type EncryptedPayload struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
}

// Envelope is the unit of durability and transport. Plaintext is only
// populated in-process (the store returns what it just encrypted, a consumer
// fills it after decrypting) and never serializes.
type Envelope struct {
	EventID       string           `json:"eventId"`
	AggregateID   string           `json:"aggregateId"`
	AggregateType AggregateType    `json:"aggregateType"`
	TenantID      string           `json:"tenantId"`
	EventType     Type             `json:"eventType"`
	Version       int64            `json:"version"`
	OccurredAt    time.Time        `json:"occurredAt"`
	Payload       EncryptedPayload `json:"payload"`

	Plaintext []byte `json:"-"`
}

// Candidate is a not-yet-committed event produced by an aggregate command
// method. The event store assigns EventID and OccurredAt at append time.
type Candidate struct {
	AggregateID   string
	AggregateType AggregateType
	TenantID      string
	EventType     Type
	Version       int64
	Payload       any
}

// TaskCreatedPayload records the immutable birth of a task.
type TaskCreatedPayload struct {
	TaskID          string `json:"taskId"`
	Prompt          string `json:"prompt"`
	Model           string `json:"model,omitempty"`
	CreditsRequired int64  `json:"creditsRequired"`
}

// TaskStartedPayload carries the worker-side id assigned on pickup.
type TaskStartedPayload struct {
	ExternalTaskID string `json:"externalTaskId"`
}

type TaskCompletedPayload struct {
	Result string `json:"result"`
}

type TaskFailedPayload struct {
	Reason string `json:"reason"`
	Code   string `json:"code,omitempty"`
}

type TaskTimedOutPayload struct{}

// CreditPayload is shared by the four billing event kinds. TaskID is set for
// reserve/consume/refund, empty for allocation.
type CreditPayload struct {
	TenantID string `json:"tenantId"`
	Amount   int64  `json:"amount"`
	TaskID   string `json:"taskId,omitempty"`
}

// EncodePayload serializes a payload to its canonical byte form (RFC 8785
// JCS). The store encrypts these bytes, so a given payload always produces
// the same plaintext regardless of field ordering at the call site.
func EncodePayload(p any) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("event: marshal payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("event: canonicalize payload: %w", err)
	}
	return canonical, nil
}

// DecodePayload parses canonical payload bytes into a typed payload.
func DecodePayload(data []byte, into any) error {
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("event: unmarshal payload: %w", err)
	}
	return nil
}
