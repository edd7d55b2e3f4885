package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"mentorchat/internal/chat"
	"mentorchat/internal/client"
	"mentorchat/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	mentorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("203"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

const helpText = `commands:
  /sessions          list conversations
  /new               start a new conversation
  /switch <n>        open conversation n from /sessions
  /delete <n>        delete conversation n
  /history           print the open conversation
  /sync              reload the open conversation from the server
  /quit              leave
anything else is sent to your mentor. Ctrl-C stops a reply.`

// terminal is a line-oriented front end for the orchestrator. Replies run in
// the foreground: the prompt returns once the reply is complete or stopped.
type terminal struct {
	out        io.Writer
	lines      <-chan string
	interrupts <-chan os.Signal
	orch       *chat.Orchestrator

	mu      sync.Mutex
	reply   *chat.Handle
	printed string
}

func newTerminal(out io.Writer, lines <-chan string, interrupts <-chan os.Signal) *terminal {
	return &terminal{out: out, lines: lines, interrupts: interrupts}
}

func (t *terminal) attach(orch *chat.Orchestrator) {
	t.orch = orch
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) banner(username string) {
	t.printf("%s\n%s\n", headerStyle.Render("mentorchat"), dimStyle.Render("signed in as "+username+", /help for commands"))
	if s, ok := t.orch.Active(); ok {
		t.printf("%s\n", headerStyle.Render("# "+s.Title))
		t.printHistory(s.ID)
	}
}

func (t *terminal) run(ctx context.Context) error {
	for {
		t.printf("%s ", userStyle.Render("you ›"))
		select {
		case <-ctx.Done():
			return nil
		case <-t.interrupts:
			t.printf("\n")
			return nil
		case line, ok := <-t.lines:
			if !ok {
				t.printf("\n")
				return nil
			}
			quit, err := t.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				t.printf("%s\n", noticeStyle.Render(describeError(err)))
			}
			if quit {
				return nil
			}
		}
	}
}

func (t *terminal) handle(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, t.send(ctx, line)
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		t.printf("%s\n", dimStyle.Render(helpText))
	case "/sessions":
		if err := t.orch.Refresh(ctx); err != nil {
			return false, err
		}
		t.printSessions()
	case "/new":
		s, err := t.orch.NewSession(ctx)
		if err != nil {
			return false, err
		}
		t.printf("%s\n", headerStyle.Render("# "+s.Title))
	case "/switch":
		s, err := t.pick(arg)
		if err != nil {
			return false, err
		}
		if err := t.orch.Select(ctx, s.ID); err != nil {
			return false, err
		}
		t.printf("%s\n", headerStyle.Render("# "+s.Title))
		t.printHistory(s.ID)
	case "/delete":
		s, err := t.pick(arg)
		if err != nil {
			return false, err
		}
		if err := t.orch.DeleteSession(ctx, s.ID); err != nil {
			return false, err
		}
		t.printf("%s\n", dimStyle.Render("deleted "+s.Title))
		if len(t.orch.Sessions()) == 0 {
			if _, err := t.orch.NewSession(ctx); err != nil {
				return false, err
			}
		}
	case "/history":
		if s, ok := t.orch.Active(); ok {
			t.printHistory(s.ID)
		}
	case "/sync":
		s, ok := t.orch.Active()
		if !ok {
			return false, chat.ErrNoActiveSession
		}
		if err := t.orch.Sync(ctx, s.ID); err != nil {
			return false, err
		}
		t.printHistory(s.ID)
	default:
		return false, fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return false, nil
}

// pick resolves a 1-based position in the session list.
func (t *terminal) pick(arg string) (chat.Session, error) {
	sessions := t.orch.Sessions()
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(sessions) {
		return chat.Session{}, fmt.Errorf("pick a conversation between 1 and %d", len(sessions))
	}
	return sessions[n-1], nil
}

func (t *terminal) send(ctx context.Context, text string) error {
	canceler, err := t.orch.Send(ctx, text)
	if err != nil {
		return err
	}
	h, ok := canceler.(*chat.Handle)
	if !ok {
		return nil
	}
	t.mu.Lock()
	t.reply = h
	t.printed = ""
	fmt.Fprintf(t.out, "%s ", mentorStyle.Render("mentor ›"))
	t.mu.Unlock()

	select {
	case <-h.Done():
	case <-t.interrupts:
		h.Cancel()
		<-h.Done()
	}

	t.mu.Lock()
	t.reply = nil
	if h.State() == chat.StateCompleted {
		// deltas that landed before the reply was registered
		if rest, ok := t.unprintedLocked(h.SessionID()); ok {
			fmt.Fprint(t.out, rest)
		}
	}
	t.mu.Unlock()

	switch h.State() {
	case chat.StateCompleted:
		t.printf("\n")
	case chat.StateCancelled:
		t.printf("%s\n", dimStyle.Render("(stopped)"))
	case chat.StateFailed:
		t.printf("\n%s\n", noticeStyle.Render(chat.DefaultFailureNotice))
		return h.Err()
	}
	return nil
}

func (t *terminal) printSessions() {
	active := ""
	if s, ok := t.orch.Active(); ok {
		active = s.ID
	}
	for i, s := range t.orch.Sessions() {
		marker := " "
		if s.ID == active {
			marker = "*"
		}
		line := fmt.Sprintf("%s %d. %s", marker, i+1, s.Title)
		if p := s.LastMessagePreview; p != nil {
			line += dimStyle.Render("  " + string(p.Role) + ": " + oneLine(p.Content, 50))
		}
		t.printf("%s\n", line)
	}
}

func (t *terminal) printHistory(id string) {
	for _, m := range t.orch.Messages(id) {
		label := userStyle.Render("you ›")
		if m.Role == models.RoleAssistant {
			label = mentorStyle.Render("mentor ›")
		}
		t.printf("%s %s\n", label, m.Content)
	}
}

var _ chat.Observer = (*terminal)(nil)

func (t *terminal) SessionsChanged() {}

// MessagesChanged prints the part of the live reply not shown yet.
func (t *terminal) MessagesChanged(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reply == nil || t.reply.SessionID() != sessionID || t.reply.State() != chat.StateStreaming {
		return
	}
	if rest, ok := t.unprintedLocked(sessionID); ok {
		fmt.Fprint(t.out, rest)
	}
}

func (t *terminal) unprintedLocked(sessionID string) (string, bool) {
	msgs := t.orch.Messages(sessionID)
	if len(msgs) == 0 {
		return "", false
	}
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleAssistant || !strings.HasPrefix(last.Content, t.printed) {
		return "", false
	}
	rest := last.Content[len(t.printed):]
	t.printed = last.Content
	return rest, true
}

func (t *terminal) StreamFailed(string, error) {}

func describeError(err error) string {
	switch {
	case client.StatusCode(err) == 409:
		return "the mentor is still answering in this conversation"
	case client.StatusCode(err) == 429:
		return "slow down a little and try again"
	case errors.Is(err, chat.ErrIdleTimeout):
		return "the mentor went quiet, try again"
	default:
		return err.Error()
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > max {
		return string(r[:max]) + "…"
	}
	return s
}
