// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jeranaias/mathsolver/internal/export"
	"github.com/jeranaias/mathsolver/internal/session"
)

// HandleSessions lists stored conversations, newest first.
func HandleSessions(args Args) error {
	a, err := newApp(args, session.Callbacks{})
	if err != nil {
		return err
	}
	defer a.cleanup()

	if err := a.load(context.Background(), args); err != nil {
		return err
	}
	sessions := a.manager.Sessions()
	activeID := ""
	if active, ok := a.manager.Active(); ok {
		activeID = active.ID
	}

	if args.JSON {
		return NewJSONResponse("sessions", sessionSummaries(sessions, activeID)).Print()
	}
	writeSessionTable(os.Stdout, sessions, activeID, time.Now(), GetTerminalWidth())
	return nil
}

// HandleDelete removes one stored conversation by id or unique id prefix.
func HandleDelete(args Args) error {
	a, err := newApp(args, session.Callbacks{})
	if err != nil {
		return err
	}
	defer a.cleanup()

	ctx := context.Background()
	if err := a.manager.Load(ctx); err != nil {
		return NewCommandError("delete", "load", "stored sessions are unreadable", err)
	}
	id, err := a.resolveSession(args.Raw[0])
	if err != nil {
		return err
	}
	if err := a.manager.Delete(ctx, id); err != nil {
		return err
	}

	if args.JSON {
		return NewJSONResponse("delete", map[string]string{"id": id}).Print()
	}
	if !args.Quiet {
		fmt.Printf("%s deleted %s\n", SuccessStyle.Render("[OK]"), shortID(id))
	}
	return nil
}

// HandleExport writes one conversation as Markdown or JSON, to stdout or
// into the --output directory.
func HandleExport(args Args) error {
	exporter, err := export.ForFormat(args.Format, nil)
	if err != nil {
		return NewUsageError("format", args.Format, "expected md or json")
	}

	a, err := newApp(args, session.Callbacks{})
	if err != nil {
		return err
	}
	defer a.cleanup()

	if err := a.load(context.Background(), Args{Session: args.Raw[0]}); err != nil {
		return err
	}
	sess, _ := a.manager.Active()

	if args.Output == "" {
		data, err := exporter.Export(sess)
		if err != nil {
			return NewCommandError("export", "render", shortID(sess.ID), err)
		}
		_, err = os.Stdout.Write(data)
		return err
	}

	dir, err := expandPath(args.Output)
	if err != nil {
		return NewUsageError("output", args.Output, err.Error())
	}
	path, err := export.WriteFile(sess, exporter, dir)
	if err != nil {
		return NewCommandError("export", "write", dir, err)
	}
	if args.JSON {
		return NewJSONResponse("export", map[string]string{"id": sess.ID, "path": path}).Print()
	}
	fmt.Println(path)
	return nil
}
