package callevents

import "testing"

func newTestClassifier() *Classifier {
	return &Classifier{batchAgentID: "agent_batch", deviceAgentID: "agent_device"}
}

func TestClassifyDeviceAgent(t *testing.T) {
	kind := newTestClassifier().Classify(&CallEvent{AgentID: "agent_device"})
	if kind != KindDevice {
		t.Fatalf("expected device kind, got %q", kind)
	}
}

func TestClassifyBatchAgent(t *testing.T) {
	kind := newTestClassifier().Classify(&CallEvent{AgentID: "agent_batch"})
	if kind != KindBatch {
		t.Fatalf("expected batch kind, got %q", kind)
	}
}

func TestClassifyUnknownAgentFallsBackToBatch(t *testing.T) {
	c := newTestClassifier()
	for _, agentID := range []string{"", "agent_unknown"} {
		if kind := c.Classify(&CallEvent{AgentID: agentID}); kind != KindBatch {
			t.Fatalf("agent %q: expected batch kind, got %q", agentID, kind)
		}
	}
}

func TestCallKindProviderTags(t *testing.T) {
	if got := KindBatch.Provider(); got != ProviderBatch {
		t.Fatalf("batch provider = %q", got)
	}
	if got := KindDevice.Provider(); got != ProviderDevice {
		t.Fatalf("device provider = %q", got)
	}
}
