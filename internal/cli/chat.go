// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/jeranaias/mathsolver/internal/config"
	"github.com/jeranaias/mathsolver/internal/session"
	"github.com/jeranaias/mathsolver/internal/storage"
)

// =============================================================================
// LINE EDITOR
// =============================================================================

// lineEditor wraps liner with a persistent history file.
type lineEditor struct {
	line        *liner.State
	historyFile string
}

func newLineEditor() *lineEditor {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	e := &lineEditor{line: line, historyFile: filepath.Join(dir, "chat_history")}
	if f, err := os.Open(e.historyFile); err == nil {
		_, _ = e.line.ReadHistory(f)
		f.Close()
	}
	return e
}

// ReadInput reads a line and records non-empty input in history.
func (e *lineEditor) ReadInput(prompt string) (string, error) {
	input, err := e.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		e.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history (owner-only) and restores the terminal.
func (e *lineEditor) Close() {
	if err := os.MkdirAll(filepath.Dir(e.historyFile), 0o700); err == nil {
		if f, err := os.OpenFile(e.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			_, _ = e.line.WriteHistory(f)
			f.Close()
		}
	}
	e.line.Close()
}

// =============================================================================
// CHAT LOOP
// =============================================================================

type chatLoop struct {
	app     *app
	args    Args
	out     io.Writer
	md      *glamour.TermRenderer
	pending []string

	watch    *exchangeWatch
	streamed bool
	// diskChanged is set by the store watcher when another process rewrote
	// the conversation file.
	diskChanged atomic.Bool
}

// HandleChat runs the interactive conversation loop.
func HandleChat(args Args) error {
	if !IsTTY() {
		return &TTYRequiredError{Operation: "chat"}
	}

	c := &chatLoop{args: args, out: os.Stdout, watch: &exchangeWatch{}}
	a, err := newApp(args, c.watch.callbacks(c.onFragment))
	if err != nil {
		return err
	}
	defer a.cleanup()
	c.app = a
	c.md = newMarkdownRenderer(a.cfg.Client.Markdown && !args.Plain)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.load(ctx, args); err != nil {
		return err
	}
	if len(args.Files) > 0 {
		if _, err := a.blobs(args.Files); err != nil {
			return err
		}
		c.pending = append(c.pending, args.Files...)
	}

	if fs, ok := a.store.(*storage.FileStore); ok {
		err := fs.Watch(ctx, storage.SessionsKey, func([]byte) { c.diskChanged.Store(true) })
		if err != nil {
			a.logger.Warn("session file watch unavailable", zap.Error(err))
		}
	}

	// Ctrl+C while a reply streams cancels it; at the prompt liner reports it.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				if a.manager.Cancel() {
					fmt.Fprintln(os.Stderr, "\n"+WarningStyle.Render("[canceled]"))
				}
			}
		}
	}()

	editor := newLineEditor()
	defer editor.Close()

	if !args.Quiet {
		c.printWelcome()
	}

	for {
		if c.diskChanged.Swap(false) {
			fmt.Fprintln(c.out, WarningStyle.Render("Conversations changed on disk. Type /reload to pick them up."))
		}

		input, err := editor.ReadInput(PromptStyle.Render(c.prompt()))
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D or a closed terminal.
			fmt.Fprintln(c.out)
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := c.command(ctx, input)
			if err != nil {
				fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error: ")+err.Error())
			}
			if !keepGoing {
				return nil
			}
			continue
		}

		c.send(ctx, input)
	}
}

func (c *chatLoop) onFragment(_, fragment string) {
	if !c.streamed {
		fmt.Fprintln(c.out, SolverStyle.Render("Solver"))
	}
	c.streamed = true
	fmt.Fprint(c.out, fragment)
}

func (c *chatLoop) prompt() string {
	if len(c.pending) > 0 {
		return fmt.Sprintf("math [%d file(s)]> ", len(c.pending))
	}
	return "math> "
}

// send submits text with any pending attachments and waits for the reply.
func (c *chatLoop) send(ctx context.Context, text string) {
	blobs, err := c.app.blobs(c.pending)
	if err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error: ")+err.Error())
		return
	}

	*c.watch = exchangeWatch{}
	c.streamed = false
	start := time.Now()

	if !c.app.manager.Send(ctx, text, blobs) {
		if c.watch.authRequired {
			fmt.Fprintln(os.Stderr, WarningStyle.Render(ErrLoginRequired.Error()))
		}
		return
	}
	c.pending = nil
	if c.streamed {
		fmt.Fprintln(c.out)
	}

	c.watch.warnUnsaved()
	if c.watch.failed() {
		if c.streamed {
			fmt.Fprintln(c.out, DimStyle.Render("(partial reply discarded)"))
		}
		fmt.Fprintln(c.out, ErrorStyle.Render(session.Apology))
		if !errors.Is(c.watch.err, context.Canceled) {
			fmt.Fprintln(os.Stderr, DimStyle.Render(c.watch.err.Error()))
		}
		return
	}
	if !c.args.Quiet {
		fmt.Fprintln(c.out, DimStyle.Render(fmt.Sprintf("(%s)", time.Since(start).Round(100*time.Millisecond))))
	}
	fmt.Fprintln(c.out)
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// command runs a slash command. It returns false when the loop should exit.
func (c *chatLoop) command(ctx context.Context, input string) (bool, error) {
	parts := strings.Fields(input)
	name := strings.ToLower(parts[0])
	rest := parts[1:]
	m := c.app.manager

	switch name {
	case "/help", "/h", "/?", "/":
		c.printHelp()
	case "/quit", "/q", "/exit":
		return false, nil
	case "/new", "/n":
		c.pending = nil
		if _, err := m.NewChat(ctx); err != nil {
			fmt.Fprintln(c.out, WarningStyle.Render("new conversation not saved: "+err.Error()))
			break
		}
		fmt.Fprintln(c.out, DimStyle.Render("[new conversation]"))
	case "/list", "/ls":
		active, _ := m.Active()
		writeSessionTable(c.out, m.Sessions(), active.ID, time.Now(), GetTerminalWidth())
	case "/switch", "/s":
		if len(rest) != 1 {
			return true, NewUsageError("id", strings.Join(rest, " "), "usage: /switch <id>")
		}
		id, err := c.app.resolveSession(rest[0])
		if err != nil {
			return true, err
		}
		if err := m.Select(id); err != nil {
			return true, err
		}
		sess, _ := m.Active()
		fmt.Fprintf(c.out, "%s %s\n", DimStyle.Render("[switched to]"), sess.Title)
	case "/delete", "/rm":
		if len(rest) != 1 {
			return true, NewUsageError("id", strings.Join(rest, " "), "usage: /delete <id>")
		}
		id, err := c.app.resolveSession(rest[0])
		if err != nil {
			return true, err
		}
		if err := m.Delete(ctx, id); err != nil {
			return true, err
		}
		fmt.Fprintf(c.out, "%s %s\n", DimStyle.Render("[deleted]"), shortID(id))
	case "/attach", "/a":
		if len(rest) == 0 {
			return true, NewUsageError("file", "", "usage: /attach <path>...")
		}
		for _, p := range rest {
			if _, err := checkAttachment(p, c.app.cfg.Client.MaxAttachmentBytes); err != nil {
				return true, err
			}
			c.pending = append(c.pending, p)
		}
	case "/files":
		if len(c.pending) == 0 {
			fmt.Fprintln(c.out, DimStyle.Render("No files attached."))
		}
		for _, p := range c.pending {
			fmt.Fprintln(c.out, "  "+p)
		}
	case "/detach":
		c.pending = nil
	case "/history":
		sess, ok := m.Active()
		if !ok {
			fmt.Fprintln(c.out, DimStyle.Render("No active conversation."))
			break
		}
		printTranscript(c.out, sess, c.md)
	case "/reload":
		if err := m.Load(ctx); err != nil {
			return true, err
		}
		c.diskChanged.Store(false)
		fmt.Fprintf(c.out, "%s %d conversation(s)\n", DimStyle.Render("[reloaded]"), len(m.Sessions()))
	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", name)
	}
	return true, nil
}

// =============================================================================
// DISPLAY
// =============================================================================

func (c *chatLoop) printWelcome() {
	fmt.Fprintln(c.out, TitleStyle.Render("mathsolver chat"))
	fmt.Fprintln(c.out, Separator(30))
	fmt.Fprintln(c.out, RenderKeyValue("Relay:", c.app.cfg.Client.RelayURL))
	if sess, ok := c.app.manager.Active(); ok {
		fmt.Fprintln(c.out, RenderKeyValue("Session:", sess.Title))
	} else {
		fmt.Fprintln(c.out, RenderKeyValue("Session:", "new"))
	}
	if c.app.cfg.Client.User == "" {
		fmt.Fprintln(c.out, WarningStyle.Render("Not signed in: set client.user to send messages."))
	}
	fmt.Fprintln(c.out, DimStyle.Render("Ask a question and press Enter. /help lists commands."))
	fmt.Fprintln(c.out)
}

func (c *chatLoop) printHelp() {
	commands := []struct{ cmd, desc string }{
		{"/new", "Start a new conversation"},
		{"/list", "List conversations"},
		{"/switch <id>", "Switch to a conversation"},
		{"/delete <id>", "Delete a conversation"},
		{"/attach <path>", "Attach a PDF or image to the next message"},
		{"/files", "Show attached files"},
		{"/detach", "Drop attached files"},
		{"/history", "Show the current conversation"},
		{"/reload", "Re-read conversations from disk"},
		{"/quit", "Exit"},
	}
	fmt.Fprintln(c.out)
	for _, cmd := range commands {
		fmt.Fprintf(c.out, "  %s  %s\n", ValueStyle.Render(fmt.Sprintf("%-16s", cmd.cmd)), DimStyle.Render(cmd.desc))
	}
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, DimStyle.Render("Ctrl+C cancels a streaming reply, Ctrl+D exits."))
	fmt.Fprintln(c.out)
}
