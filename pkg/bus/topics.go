package bus

// Default stream names. Deployments override them through configuration;
// the defaults keep single-box setups zero-config.
const (
	DefaultTaskEventsTopic    = "task.events"
	DefaultBillingEventsTopic = "billing.events"
	DefaultDeadLetterTopic    = "dlq.events"
)

// Topics names the streams the core publishes to and consumes from.
type Topics struct {
	TaskEvents    string
	BillingEvents string
	DeadLetter    string
}

// DefaultTopics returns the fixed default names.
func DefaultTopics() Topics {
	return Topics{
		TaskEvents:    DefaultTaskEventsTopic,
		BillingEvents: DefaultBillingEventsTopic,
		DeadLetter:    DefaultDeadLetterTopic,
	}
}

// WithOverrides replaces any non-empty name.
func (t Topics) WithOverrides(taskEvents, billingEvents, deadLetter string) Topics {
	if taskEvents != "" {
		t.TaskEvents = taskEvents
	}
	if billingEvents != "" {
		t.BillingEvents = billingEvents
	}
	if deadLetter != "" {
		t.DeadLetter = deadLetter
	}
	return t
}
