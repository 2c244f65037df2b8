package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/chaz8081/corelink/internal/events"
)

type eventLine struct {
	Time    string `json:"time"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// writeEvent prints ev as one JSON line.
func writeEvent(w io.Writer, ev events.Event) error {
	payload := ev.Payload
	if err, ok := payload.(error); ok {
		payload = err.Error()
	}
	line, err := json.Marshal(eventLine{
		Time:    ev.Timestamp.Format(time.RFC3339Nano),
		Event:   string(ev.Name),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Name, err)
	}
	_, err = fmt.Fprintf(w, "%s\n", line)
	return err
}

// parseParams decodes a --params JSON object. Empty input means no params.
func parseParams(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		return nil, fmt.Errorf("--params must be a JSON object: %w", err)
	}
	return params, nil
}
