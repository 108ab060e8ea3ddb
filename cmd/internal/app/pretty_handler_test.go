package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestColorizeStatusCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		code   string
	}{
		{status: 200, code: ansiGreen},
		{status: 301, code: ansiCyan},
		{status: 404, code: ansiYellow},
		{status: 503, code: ansiRed},
	}
	for _, tc := range cases {
		got := colorizeStatusCode(tc.status, true)
		if !strings.HasPrefix(got, tc.code) {
			t.Fatalf("status %d: %q lacks color %q", tc.status, got, tc.code)
		}
		if plain := colorizeStatusCode(tc.status, false); plain != stripANSI(got) {
			t.Fatalf("status %d: plain=%q colored=%q", tc.status, plain, stripANSI(got))
		}
	}
}

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))
	log.With("component", "gateway").WithGroup("ws").Warn("chat.send.fail",
		"conversation_id", "conv-1",
		"err", "store down",
		"status", 503,
	)

	line := buf.String()
	for _, want := range []string{
		"[WARN]",
		"msg=chat.send.fail",
		"component=gateway",
		"ws.conversation_id=conv-1",
		`ws.err="store down"`,
		"ws.status=503",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q lacks %q", line, want)
		}
	}
	if strings.Count(line, "\n") != 1 {
		t.Fatalf("expected a single line, got %q", line)
	}
}

func TestPrettyHandler_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("chat.connect.ok")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
}
