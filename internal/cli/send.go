// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jeranaias/mathsolver/internal/model"
	"github.com/jeranaias/mathsolver/internal/session"
)

// exchangeWatch records what the manager reports during one Send. Store
// failures are kept apart from exchange failures: the reply can arrive even
// when saving it did not work.
type exchangeWatch struct {
	authRequired bool
	err          error
	saveErr      error
}

func (x *exchangeWatch) callbacks(onFragment func(sessionID, fragment string)) session.Callbacks {
	return session.Callbacks{
		OnFragment:     onFragment,
		OnAuthRequired: func() { x.authRequired = true },
		OnError:        x.record,
	}
}

func (x *exchangeWatch) record(_ string, err error) {
	if errors.Is(err, session.ErrPersist) {
		if x.saveErr == nil {
			x.saveErr = err
		}
		return
	}
	if x.err == nil {
		x.err = err
	}
}

// failed reports whether the exchange ended in the apology.
func (x *exchangeWatch) failed() bool {
	return x.err != nil
}

// warnUnsaved tells the user the conversation on disk is behind.
func (x *exchangeWatch) warnUnsaved() {
	if x.saveErr != nil {
		fmt.Fprintln(os.Stderr, WarningStyle.Render("conversation not saved: "+x.saveErr.Error()))
	}
}

// HandleSend handles the "send" command: one question, reply streamed to stdout.
func HandleSend(args Args) error {
	watch := &exchangeWatch{}
	streamed := false
	onFragment := func(_, fragment string) {
		if args.JSON {
			return
		}
		streamed = true
		fmt.Fprint(os.Stdout, fragment)
	}

	a, err := newApp(args, watch.callbacks(onFragment))
	if err != nil {
		return err
	}
	defer a.cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.load(ctx, args); err != nil {
		return err
	}
	blobs, err := a.blobs(args.Files)
	if err != nil {
		return err
	}

	text := strings.Join(args.Raw, " ")
	if !a.manager.Send(ctx, text, blobs) {
		if watch.authRequired {
			return ErrLoginRequired
		}
		return NewUsageError("question", text, "nothing to send")
	}
	if streamed {
		fmt.Fprintln(os.Stdout)
	}

	sess, _ := a.manager.Active()
	reply, _ := lastReply(sess)
	failed := watch.failed()
	watch.warnUnsaved()

	if args.JSON {
		resp := NewJSONResponse("send", SendData{
			SessionID: sess.ID,
			Reply:     reply.Content,
			Failed:    failed,
		})
		if failed {
			msg := watch.err.Error()
			resp.Success = false
			resp.Error = &msg
		}
		return resp.Print()
	}

	if failed {
		if !streamed {
			fmt.Fprintln(os.Stdout, reply.Content)
		}
		return sendError(watch.err)
	}
	if !args.Quiet {
		fmt.Fprintln(os.Stderr, DimStyle.Render("session "+shortID(sess.ID)))
	}
	return nil
}

// sendError wraps an exchange failure for exit-code mapping.
func sendError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return NewCommandError("send", "stream", "canceled", err)
	case errors.Is(err, session.ErrTruncated):
		return NewCommandError("send", "stream", "reply was cut off by the backend", err)
	default:
		return NewCommandError("send", "stream", "relay request failed", err)
	}
}

// lastReply returns the newest assistant message of sess.
func lastReply(sess model.ChatSession) (model.Message, bool) {
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Role == model.RoleAssistant {
			return sess.Messages[i], true
		}
	}
	return model.Message{}, false
}
