package callevents

import "careline_backend/platform/config"

// CallKind distinguishes scheduled outbound phone calls from calls conducted
// through a paired in-app device session.
type CallKind string

const (
	KindBatch  CallKind = "batch"
	KindDevice CallKind = "device"
)

// Synthetic provider tags recorded on persisted call logs, keyed by kind.
const (
	ProviderBatch  = "elevenlabs-batch"
	ProviderDevice = "elevenlabs-device"
)

// Classifier tags an event as batch or in-app by comparing its agent
// identifier against the two configured reference agents.
type Classifier struct {
	batchAgentID  string
	deviceAgentID string
}

// NewClassifier creates a classifier from the webhook configuration.
func NewClassifier(cfg config.WebhookConfig) *Classifier {
	return &Classifier{
		batchAgentID:  cfg.GetBatchAgentID(),
		deviceAgentID: cfg.GetDeviceAgentID(),
	}
}

// Classify returns the call kind for an event. Events from the device agent
// are in-app; everything else (the batch agent included) follows the batch
// path, whose strategies degrade to phone-based lookup.
func (c *Classifier) Classify(ev *CallEvent) CallKind {
	if ev.AgentID != "" && ev.AgentID == c.deviceAgentID {
		return KindDevice
	}
	return KindBatch
}

// Provider returns the synthetic provider tag recorded for a call kind.
func (k CallKind) Provider() string {
	if k == KindDevice {
		return ProviderDevice
	}
	return ProviderBatch
}
