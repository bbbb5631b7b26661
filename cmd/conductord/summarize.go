package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	conductor "github.com/arjunvale/conductor"
)

// commitSummarizer builds a conductor.CommitSummarizer backed by a short,
// non-streamed LLM call over the iteration's entity diffs (§4.4 "generated
// by a short LLM call that summarizes the diff").
func commitSummarizer(provider conductor.Provider) conductor.CommitSummarizer {
	return func(ctx context.Context, changes []conductor.EntityChange) (string, error) {
		if len(changes) == 0 {
			return "no-op commit", nil
		}

		var b strings.Builder
		b.WriteString("Summarize the following entity changes in one short, human-readable sentence ")
		b.WriteString("suitable as a commit message. Do not mention JSON or field names verbatim; ")
		b.WriteString("describe what changed in plain language.\n\n")
		for _, c := range changes {
			fmt.Fprintf(&b, "entity %s/%s:\nbefore: %s\nafter: %s\n\n", c.EntityType, c.EntityID, compact(c.Before), compact(c.After))
		}

		resp, err := provider.Chat(ctx, conductor.ChatRequest{
			Messages: []conductor.ChatMessage{{Role: "user", Content: b.String()}},
		})
		if err != nil {
			return genericSummary(changes), nil
		}
		text := strings.TrimSpace(resp.Content)
		if text == "" {
			return genericSummary(changes), nil
		}
		return text, nil
	}
}

func genericSummary(changes []conductor.EntityChange) string {
	if len(changes) == 1 {
		return fmt.Sprintf("updated %s/%s", changes[0].EntityType, changes[0].EntityID)
	}
	return fmt.Sprintf("updated %d entities", len(changes))
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(none)"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
