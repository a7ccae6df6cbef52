package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/blog-chat/pkg/otelhelper"
)

type exportRequest struct {
	UserId string `json:"userId"`
	Format string `json:"format"` // "txt" or "csv"
}

type exportResponse struct {
	Format   string `json:"format"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// formatTranscriptTxt renders a plain-text transcript, one line per message.
func formatTranscriptTxt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		ts := time.UnixMilli(m.CreatedAt).UTC().Format("2006-01-02 15:04:05")
		text := m.Text
		if text == "" && m.MediaUrl != "" {
			text = "[media] " + m.MediaUrl
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", ts, m.SenderId, text)
	}
	return b.String()
}

// formatTranscriptCsv renders the transcript as CSV with a header row.
func formatTranscriptCsv(messages []Message) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write([]string{"timestamp", "sender", "recipient", "text", "mediaUrl", "read"}); err != nil {
		return "", err
	}
	for _, m := range messages {
		ts := time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC3339)
		if err := w.Write([]string{ts, m.SenderId, m.RecipientId, m.Text, m.MediaUrl, strconv.FormatBool(m.Read)}); err != nil {
			return "", err
		}
	}
	w.Flush()
	return b.String(), w.Error()
}

func (s *server) handleExport(msg *nats.Msg) {
	ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "export transcript")
	defer span.End()

	convID, ok := subjectParam(msg.Subject, 3)
	if !ok {
		respondError(msg, "invalid", "missing conversation id")
		return
	}
	span.SetAttributes(attribute.String("chat.conversation", convID))

	var req exportRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UserId == "" {
		respondError(msg, "invalid", "userId is required")
		return
	}
	if req.Format == "" {
		req.Format = "txt"
	}
	if req.Format != "txt" && req.Format != "csv" {
		respondError(msg, "invalid", "format must be txt or csv")
		return
	}
	if code := s.requireParticipant(ctx, convID, req.UserId); code != "" {
		respondError(msg, code, code)
		return
	}

	messages, err := s.store.AllMessages(ctx, convID)
	if err != nil {
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}

	var content string
	switch req.Format {
	case "csv":
		content, err = formatTranscriptCsv(messages)
	default:
		content = formatTranscriptTxt(messages)
	}
	if err != nil {
		span.RecordError(err)
		respondError(msg, "internal", "internal error")
		return
	}

	respondJSON(msg, exportResponse{
		Format:   req.Format,
		Filename: "chat-" + convID + "." + req.Format,
		Content:  content,
	})
}
