package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// AIMode reports whether the AI_COPILOT_MODE developer logging toggle is
// active. Any non-empty value other than "0"/"false" enables it.
func AIMode() bool {
	v := os.Getenv("AI_COPILOT_MODE")
	return v != "" && v != "0" && !strings.EqualFold(v, "false")
}

// NewLogger builds the process-wide logger handle. There is exactly one
// of these, created here and threaded explicitly through the controller
// into every constructor — no package-level global.
//
// In normal mode lines carry the ERROR:/WARNING:/INFO: prefixes the
// user-visible log format requires. In AI mode every line is rewritten
// as "[AICODING][<component>] LEVEL: message k=v ...".
func NewLogger(out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if AIMode() {
		return zerolog.New(&aicodingWriter{out: out}).With().Timestamp().Logger()
	}
	cw := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		TimeFormat: "15:04:05.000",
		FormatLevel: func(i any) string {
			s, _ := i.(string)
			switch s {
			case "warn":
				return "WARNING:"
			case "":
				return "INFO:"
			default:
				return strings.ToUpper(s) + ":"
			}
		},
	}
	return zerolog.New(cw).With().Timestamp().Logger()
}

// aicodingWriter reformats zerolog's JSON events into the
// "[AICODING][module]" line format. zerolog hands each event to Write
// as one complete JSON object, so no cross-call buffering is needed.
type aicodingWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *aicodingWriter) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.out.Write(p)
	}

	component := "core"
	if c, ok := fields["component"].(string); ok && c != "" {
		component = c
	}
	level := "INFO"
	if l, ok := fields[zerolog.LevelFieldName].(string); ok && l != "" {
		if l == "warn" {
			level = "WARNING"
		} else {
			level = strings.ToUpper(l)
		}
	}
	msg, _ := fields[zerolog.MessageFieldName].(string)

	var b bytes.Buffer
	fmt.Fprintf(&b, "[AICODING][%s] %s: %s", component, level, msg)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		switch k {
		case zerolog.LevelFieldName, zerolog.MessageFieldName,
			zerolog.TimestampFieldName, "component":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	b.WriteByte('\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(b.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// banner emits the AI-mode startup/shutdown banner. No-op otherwise.
func banner(log zerolog.Logger, phase, version string) {
	if !AIMode() {
		return
	}
	log.Info().Str("version", version).Msgf("==== rootstream %s ====", phase)
}
