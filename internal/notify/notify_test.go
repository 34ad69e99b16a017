package notify

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncjob/internal/model"
)

// fakeMail records its argv, stdin and the attachment content into dir.
func setupFakeMail(t *testing.T) (string, string) {
	t.Helper()
	tmp := t.TempDir()
	fakeBin := filepath.Join(tmp, "bin")
	require.NoError(t, os.MkdirAll(fakeBin, 0o755))
	logDir := filepath.Join(tmp, "mail")
	require.NoError(t, os.MkdirAll(logDir, 0o755))

	script := `#!/usr/bin/env bash
set -euo pipefail
printf '%s\n' "$@" > "$MAIL_LOG/args"
cat > "$MAIL_LOG/body"
prev=""
for a in "$@"; do
  if [ "$prev" = "-a" ]; then cp "$a" "$MAIL_LOG/attachment"; fi
  prev="$a"
done
`
	require.NoError(t, os.WriteFile(filepath.Join(fakeBin, "mail"), []byte(script), 0o755))
	t.Setenv("PATH", fakeBin+":"+os.Getenv("PATH"))
	t.Setenv("MAIL_LOG", logDir)
	return logDir, filepath.Join(tmp, "scratch")
}

func TestMailGatewaySendsWithAttachment(t *testing.T) {
	logDir, scratch := setupFakeMail(t)
	g := MailGateway{Recipient: "alice", RunID: "4242", TmpDir: scratch}

	err := g.Send(context.Background(), Message{
		Subject:        "sync completed",
		Body:           "all good\n",
		Attachment:     []byte("Transferred: 3 files\n"),
		AttachmentName: "rclone-output.txt",
	})
	require.NoError(t, err)

	args, err := os.ReadFile(filepath.Join(logDir, "args"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(args)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, []string{"-s", "sync completed", "-a"}, lines[:3])
	assert.Contains(t, lines[3], "4242")
	assert.Equal(t, "alice", lines[4])

	body, _ := os.ReadFile(filepath.Join(logDir, "body"))
	assert.Equal(t, "all good\n", string(body))
	att, _ := os.ReadFile(filepath.Join(logDir, "attachment"))
	assert.Equal(t, "Transferred: 3 files\n", string(att))

	_, statErr := os.Stat(lines[3])
	assert.True(t, os.IsNotExist(statErr), "staged attachment should be removed after sending")
}

func TestMailGatewayWithoutAttachment(t *testing.T) {
	logDir, _ := setupFakeMail(t)
	g := MailGateway{Recipient: "bob", RunID: "1"}
	require.NoError(t, g.Send(context.Background(), Message{Subject: "hello", Body: "body"}))

	args, _ := os.ReadFile(filepath.Join(logDir, "args"))
	assert.Equal(t, "-s\nhello\nbob\n", string(args))
}

func TestMailGatewayRequiresRecipient(t *testing.T) {
	err := MailGateway{}.Send(context.Background(), Message{Subject: "x"})
	assert.Error(t, err)
}

func TestConsoleGatewayRendersSubjectBodyAndTail(t *testing.T) {
	var buf bytes.Buffer
	var att strings.Builder
	for i := 0; i < 60; i++ {
		att.WriteString("line ")
		att.WriteString(strings.Repeat("x", i%3))
		att.WriteString("\n")
	}
	att.WriteString("final line\n")

	err := ConsoleGateway{Out: &buf}.Send(context.Background(), Message{
		Subject:    "source path problem",
		Body:       "data/ does not exist",
		Attachment: []byte(att.String()),
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "source path problem")
	assert.Contains(t, out, "data/ does not exist")
	assert.Contains(t, out, "final line")
}

func TestForContext(t *testing.T) {
	mail := MailGateway{Recipient: "alice"}
	console := ConsoleGateway{}
	_, isMail := ForContext(model.ContextScheduled, mail, console).(MailGateway)
	assert.True(t, isMail)
	_, isConsole := ForContext(model.ContextInteractive, mail, console).(ConsoleGateway)
	assert.True(t, isConsole)
}
