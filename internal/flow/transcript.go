package flow

import (
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TranscriptFileName is the audit log file created per run.
const TranscriptFileName = "agentic-transcript.html"

// transcriptSectionCap bounds the response text stored per section.
const transcriptSectionCap = 250000

// Transcript is the append-only per-run audit log. Every write failure is
// logged and swallowed; the transcript never fails a run.
type Transcript struct {
	mu      sync.Mutex
	itemID  string
	path    string
	created bool
}

// NewTranscript prepares a transcript under mediaDir for one item. The
// file is created lazily on the first append. A nil receiver is valid and
// turns every append into a no-op.
func NewTranscript(mediaDir, itemID string) *Transcript {
	if mediaDir == "" {
		return nil
	}
	return &Transcript{
		itemID: itemID,
		path:   filepath.Join(mediaDir, safePathSegment(itemID), TranscriptFileName),
	}
}

// Path returns the transcript file location, or "" for a disabled sink.
func (t *Transcript) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

// Append writes one section with a serialized request and the raw response
// text.
func (t *Transcript) Append(heading string, request any, response string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.created {
		if err := t.create(); err != nil {
			zap.L().Warn("transcript: create failed",
				zap.String("item_id", t.itemID),
				zap.Error(err),
			)
			return
		}
		t.created = true
	}

	if len(response) > transcriptSectionCap {
		response = response[:transcriptSectionCap]
	}

	section := buildTranscriptSection(heading, request, response, t.itemID)
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		zap.L().Warn("transcript: open failed", zap.String("item_id", t.itemID), zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.WriteString(section); err != nil {
		zap.L().Warn("transcript: write failed", zap.String("item_id", t.itemID), zap.Error(err))
	}
}

func (t *Transcript) create() error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	header := buildTranscriptHeader(t.itemID, time.Now())
	return os.WriteFile(t.path, []byte(header), 0o644)
}

func buildTranscriptHeader(itemID string, now time.Time) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html lang=\"de\">\n<head>\n")
	b.WriteString("  <meta charset=\"utf-8\" />\n")
	fmt.Fprintf(&b, "  <meta name=\"last-updated\" content=%q />\n", now.Format(time.RFC3339))
	b.WriteString("  <title>Agentisches Protokoll</title>\n</head>\n<body>\n<main>\n")
	fmt.Fprintf(&b, "<h1>Agenten-Transkript für %s</h1>\n", html.EscapeString(itemID))
	return b.String()
}

func buildTranscriptSection(heading string, request any, response, itemID string) string {
	requestText := "null"
	if request != nil {
		data, err := json.MarshalIndent(request, "", "  ")
		if err != nil {
			zap.L().Warn("transcript: serialize request failed",
				zap.String("item_id", itemID),
				zap.String("heading", heading),
				zap.Error(err),
			)
			requestText = fmt.Sprintf("%v", request)
		} else {
			requestText = string(data)
		}
	}

	var b strings.Builder
	b.WriteString("<section class=\"transcript-section\">\n")
	fmt.Fprintf(&b, "<h2>%s</h2>\n", html.EscapeString(heading))
	fmt.Fprintf(&b, "<h3>Request</h3>\n<pre>%s</pre>\n", html.EscapeString(requestText))
	fmt.Fprintf(&b, "<h3>Response</h3>\n<pre>%s</pre>\n", html.EscapeString(strings.TrimSpace(response)))
	b.WriteString("</section>\n")
	return b.String()
}

func safePathSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
