package event

import "errors"

// Error taxonomy shared across the core. Callers classify with errors.Is;
// the concrete message carries the detail.
var (
	// ErrAuthenticationFailed is returned when a GCM tag does not verify:
	// tampered ciphertext or a key derived for the wrong tenant. Decrypt
	// never falls back to returning unauthenticated bytes.
	ErrAuthenticationFailed = errors.New("payload authentication failed")

	// ErrMalformedPayload is returned when an encrypted payload fails
	// structural validation (bad base64, wrong nonce or tag length).
	ErrMalformedPayload = errors.New("malformed encrypted payload")

	// ErrConcurrentAppend is an optimistic-concurrency loss: the
	// (aggregate_id, version) slot was taken by a racing command.
	// Recoverable — re-replay the aggregate and retry.
	ErrConcurrentAppend = errors.New("concurrent append for aggregate version")

	// ErrCorruptedEvent aborts a history replay whose stored payload no
	// longer decrypts. Partially decrypted history is never returned.
	ErrCorruptedEvent = errors.New("corrupted event in stored history")

	// ErrNotConnected reports a bus operation attempted outside the
	// Connected lifecycle state. Programming error, not retryable.
	ErrNotConnected = errors.New("message bus not connected")

	// ErrInsufficientCredits rejects a reservation the tenant cannot cover.
	ErrInsufficientCredits = errors.New("insufficient credits")
)
