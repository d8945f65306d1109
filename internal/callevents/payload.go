package callevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Event types delivered by the voice provider. Status/analysis arrives as a
// transcription event; the recorded audio follows later as a separate
// audio event.
const (
	eventTypeTranscription = "post_call_transcription"
	eventTypeAudio         = "post_call_audio"
)

var errEmptyCallID = errors.New("payload missing conversation id")

// CriterionResult is one named evaluation criterion from post-call analysis.
type CriterionResult struct {
	Result    string `json:"result"`
	Rationale string `json:"rationale,omitempty"`
}

// DataField is one named data-collection result from post-call analysis.
type DataField struct {
	Value any `json:"value"`
}

// CallEvent is the parsed, provider-shape-independent view of one delivery.
// It is ephemeral: built per request and never stored as-is.
type CallEvent struct {
	ProviderCallID   string
	AgentID          string
	RawStatus        string
	DurationSeconds  int
	CalleePhone      string
	BatchID          string
	SessionID        string
	DynamicVariables map[string]string
	DataCollection   map[string]DataField
	Criteria         map[string]CriterionResult
	AudioBase64      string
	RecordingURL     string
	Summary          string
	TranscriptURL    string
	AudioOnly        bool
}

type providerEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type transcriptionData struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	Status         string `json:"status"`
	Metadata       struct {
		CallDurationSecs int `json:"call_duration_secs"`
		PhoneCall        *struct {
			ExternalNumber string `json:"external_number"`
		} `json:"phone_call"`
		BatchCall *struct {
			BatchCallID string `json:"batch_call_id"`
		} `json:"batch_call"`
	} `json:"metadata"`
	Analysis *struct {
		CallSuccessful            string                     `json:"call_successful"`
		TranscriptSummary         string                     `json:"transcript_summary"`
		EvaluationCriteriaResults map[string]CriterionResult `json:"evaluation_criteria_results"`
		DataCollectionResults     map[string]DataField       `json:"data_collection_results"`
	} `json:"analysis"`
	ConversationInitiationClientData *struct {
		DynamicVariables map[string]any `json:"dynamic_variables"`
	} `json:"conversation_initiation_client_data"`
	RecordingURL  string `json:"recording_url"`
	TranscriptURL string `json:"transcript_url"`
}

type audioData struct {
	ConversationID string `json:"conversation_id"`
	FullAudio      string `json:"full_audio,omitempty"`
	RecordingURL   string `json:"recording_url,omitempty"`
}

// ParseEvent decodes a raw delivery body into a CallEvent. Audio-only
// deliveries (the provider's follow-up recording event) are flagged via
// CallEvent.AudioOnly and carry only the call ID and audio payload.
func ParseEvent(raw []byte) (*CallEvent, error) {
	var envelope providerEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(envelope.Data) == 0 {
		return nil, errors.New("payload missing data")
	}

	if envelope.Type == eventTypeAudio {
		var data audioData
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return nil, fmt.Errorf("decode audio event: %w", err)
		}
		if strings.TrimSpace(data.ConversationID) == "" {
			return nil, errEmptyCallID
		}
		return &CallEvent{
			ProviderCallID: data.ConversationID,
			AudioBase64:    data.FullAudio,
			RecordingURL:   data.RecordingURL,
			AudioOnly:      true,
		}, nil
	}

	var data transcriptionData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, fmt.Errorf("decode transcription event: %w", err)
	}
	if strings.TrimSpace(data.ConversationID) == "" {
		return nil, errEmptyCallID
	}

	ev := &CallEvent{
		ProviderCallID:  data.ConversationID,
		AgentID:         data.AgentID,
		RawStatus:       data.Status,
		DurationSeconds: data.Metadata.CallDurationSecs,
		RecordingURL:    data.RecordingURL,
		TranscriptURL:   data.TranscriptURL,
	}

	if data.Metadata.PhoneCall != nil {
		ev.CalleePhone = data.Metadata.PhoneCall.ExternalNumber
	}
	if data.Metadata.BatchCall != nil {
		ev.BatchID = data.Metadata.BatchCall.BatchCallID
	}
	if data.Analysis != nil {
		ev.Summary = data.Analysis.TranscriptSummary
		ev.Criteria = data.Analysis.EvaluationCriteriaResults
		ev.DataCollection = data.Analysis.DataCollectionResults
	}
	if data.ConversationInitiationClientData != nil {
		ev.DynamicVariables = coerceStringMap(data.ConversationInitiationClientData.DynamicVariables)
	}
	ev.SessionID = extractSessionID(ev)

	return ev, nil
}

// extractSessionID derives an in-app session identifier from the dynamic
// variables or from a session-prefixed provider call ID.
func extractSessionID(ev *CallEvent) string {
	if id := strings.TrimSpace(ev.DynamicVariables["session_id"]); id != "" {
		return id
	}
	if strings.HasPrefix(ev.ProviderCallID, "sess_") {
		return ev.ProviderCallID
	}
	return ""
}

func coerceStringMap(raw map[string]any) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	result := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			result[key] = v
		case float64:
			result[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			result[key] = strconv.FormatBool(v)
		}
	}
	return result
}
