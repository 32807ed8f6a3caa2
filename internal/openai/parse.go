package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"boardroom-orchestrator/internal/domain"
)

type transcriptPayload struct {
	Entries []struct {
		Speaker string `json:"speaker"`
		Content string `json:"content"`
	} `json:"entries"`
}

// TranscriptError describes why a model reply is not a usable transcript.
type TranscriptError struct {
	Reason string
}

func (e *TranscriptError) Error() string {
	return e.Reason
}

func invalid(format string, args ...any) error {
	return &TranscriptError{Reason: fmt.Sprintf(format, args...)}
}

// ParseTranscript strictly decodes a model reply into transcript entries. Unknown keys,
// trailing data, unlisted speakers and empty statements are rejected.
func ParseTranscript(raw string, speakers []string) ([]domain.TranscriptEntry, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, invalid("empty model output")
	}

	var payload transcriptPayload
	if err := strictDecode([]byte(trimmed), &payload); err != nil {
		return nil, invalid("%v", err)
	}
	if len(payload.Entries) == 0 {
		return nil, invalid("no entries in model output")
	}

	allowed := make(map[string]struct{}, len(speakers))
	for _, s := range speakers {
		allowed[s] = struct{}{}
	}

	out := make([]domain.TranscriptEntry, 0, len(payload.Entries))
	for i, e := range payload.Entries {
		speaker := strings.TrimSpace(e.Speaker)
		content := strings.TrimSpace(e.Content)
		if _, ok := allowed[speaker]; !ok {
			return nil, invalid("entry %d: unknown speaker %q, allowed: %v", i, speaker, speakers)
		}
		if content == "" {
			return nil, invalid("entry %d: empty content", i)
		}
		out = append(out, domain.TranscriptEntry{Speaker: speaker, Content: content})
	}
	return out, nil
}

func strictDecode(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
