// Package notify delivers user-facing messages: mail when running under the
// scheduler, the console otherwise.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"syncjob/internal/model"
	"syncjob/internal/runstore"
)

const DefaultMailBinary = "mail"

// Message is one notification. Attachment is optional.
type Message struct {
	Subject        string
	Body           string
	Attachment     []byte
	AttachmentName string
}

type Gateway interface {
	Send(ctx context.Context, msg Message) error
}

// MailGateway sends through a mailx-compatible binary.
type MailGateway struct {
	Bin       string
	Recipient string
	RunID     string
	TmpDir    string
}

func (g MailGateway) Send(ctx context.Context, msg Message) error {
	recipient := strings.TrimSpace(g.Recipient)
	if recipient == "" {
		return fmt.Errorf("mail recipient is required")
	}
	bin := strings.TrimSpace(g.Bin)
	if bin == "" {
		bin = DefaultMailBinary
	}

	args := []string{"-s", msg.Subject}
	if len(msg.Attachment) > 0 {
		path, err := runstore.WriteAttachment(g.TmpDir, g.RunID, attachmentName(msg), msg.Attachment)
		if err != nil {
			return fmt.Errorf("stage mail attachment: %w", err)
		}
		defer func() {
			_ = os.Remove(path)
		}()
		args = append(args, "-a", path)
	}
	args = append(args, recipient)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = strings.NewReader(msg.Body)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", model.ShellJoin(append([]string{bin}, args...)), err, strings.TrimSpace(out.String()))
	}
	return nil
}

var (
	consoleTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	consoleMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	consolePanelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// consoleAttachmentTail bounds how much of an attachment is echoed.
const consoleAttachmentTail = 40

// ConsoleGateway renders messages to a writer when no job context exists.
type ConsoleGateway struct {
	Out io.Writer
}

func (g ConsoleGateway) Send(_ context.Context, msg Message) error {
	out := g.Out
	if out == nil {
		out = os.Stdout
	}
	parts := []string{consoleTitleStyle.Render(msg.Subject), "", strings.TrimRight(msg.Body, "\n")}
	if len(msg.Attachment) > 0 {
		parts = append(parts, "",
			consoleMutedStyle.Render(fmt.Sprintf("--- %s (last %d lines) ---", attachmentName(msg), consoleAttachmentTail)),
			tailLines(string(msg.Attachment), consoleAttachmentTail),
		)
	}
	_, err := fmt.Fprintln(out, consolePanelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...)))
	return err
}

// ForContext picks mail for scheduled runs and the console otherwise.
func ForContext(execCtx model.ExecutionContext, mail MailGateway, console ConsoleGateway) Gateway {
	if execCtx == model.ContextScheduled {
		return mail
	}
	return console
}

func attachmentName(msg Message) string {
	if name := strings.TrimSpace(msg.AttachmentName); name != "" {
		return name
	}
	return "output.txt"
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
