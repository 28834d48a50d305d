// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/pflag"
)

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdServe
	CmdChat
	CmdSend
	CmdSessions
	CmdDelete
	CmdExport
	CmdConfig
	CmdDoctor
	CmdVersion
)

func (c Command) String() string {
	switch c {
	case CmdServe:
		return "serve"
	case CmdChat:
		return "chat"
	case CmdSend:
		return "send"
	case CmdSessions:
		return "sessions"
	case CmdDelete:
		return "delete"
	case CmdExport:
		return "export"
	case CmdConfig:
		return "config"
	case CmdDoctor:
		return "doctor"
	case CmdVersion:
		return "version"
	default:
		return "help"
	}
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool

	// serve
	Addr  string
	Model string

	// chat, send
	RelayURL string
	Files    []string
	Session  string
	New      bool
	Plain    bool

	// export
	Format string
	Output string

	// config
	Subcommand string

	// Positional arguments after the command name.
	Raw []string
}

const usageText = `mathsolver - math tutoring chat with a streaming relay

Usage:
  mathsolver <command> [flags]

Commands:
  serve                 Run the chat relay (POST /chat)
  chat                  Interactive conversation
  send <question>       Ask one question and stream the answer
  sessions              List stored conversations
  delete <id>           Delete a stored conversation
  export <id>           Write a conversation as Markdown or JSON
  config [show|path|init]
                        Show effective configuration or write a starter file
  doctor                Check config, backend, relay and storage
  version               Print version information
  help                  Show this help

Global flags:
  -c, --config PATH     Config file (default ~/.mathsolver/config.toml)
      --json            Structured output where supported
  -v, --verbose         Log to stderr at debug level
  -q, --quiet           Suppress banners and hints

serve flags:
      --addr HOST:PORT  Listen address
  -m, --model NAME      Backend model

chat/send flags:
      --relay URL       Relay base URL
  -f, --file PATH       Attach a file (repeatable)
  -s, --session ID      Continue a stored conversation
  -n, --new             Start a new conversation
      --plain           Disable markdown rendering

export flags:
      --format FMT      md (default) or json
  -o, --output DIR      Write a file into DIR instead of stdout

Examples:
  mathsolver serve --addr :8080
  mathsolver send "What is the derivative of x^3?"
  mathsolver send -f homework.pdf "Summarize problem 2"
  mathsolver chat
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// PrintVersion writes version details.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "mathsolver version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go version: %s\n", runtime.Version())
}

// Parse parses argv (without the program name).
func Parse(argv []string) (Command, Args, error) {
	var args Args
	if len(argv) == 0 {
		return CmdHelp, args, nil
	}

	name := strings.ToLower(argv[0])
	rest := argv[1:]
	if strings.HasPrefix(name, "-") {
		// Bare flags: only --help and --version make sense.
		switch name {
		case "-h", "--help":
			return CmdHelp, args, nil
		case "--version":
			return CmdVersion, args, nil
		}
		return CmdHelp, args, NewUsageError("command", name, "expected a command before flags")
	}

	var cmd Command
	switch name {
	case "serve", "server":
		cmd = CmdServe
	case "chat", "repl":
		cmd = CmdChat
	case "send", "ask":
		cmd = CmdSend
	case "sessions", "list", "ls":
		cmd = CmdSessions
	case "delete", "rm":
		cmd = CmdDelete
	case "export":
		cmd = CmdExport
	case "config":
		cmd = CmdConfig
	case "doctor":
		cmd = CmdDoctor
	case "version":
		cmd = CmdVersion
	case "help":
		return CmdHelp, args, nil
	default:
		return CmdHelp, args, NewUsageError("command", name, "unknown command")
	}

	fs := newFlagSet(cmd, &args)
	if err := fs.Parse(rest); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return CmdHelp, args, nil
		}
		return cmd, args, NewUsageError("flags", strings.Join(rest, " "), err.Error())
	}
	args.Raw = fs.Args()

	switch cmd {
	case CmdSend:
		if len(args.Raw) == 0 && len(args.Files) == 0 {
			return cmd, args, NewUsageError("question", "", "send needs a question or --file")
		}
	case CmdDelete, CmdExport:
		if len(args.Raw) != 1 {
			return cmd, args, NewUsageError("id", strings.Join(args.Raw, " "), cmd.String()+" takes exactly one session id")
		}
	case CmdConfig:
		args.Subcommand = "show"
		if len(args.Raw) > 0 {
			args.Subcommand = args.Raw[0]
		}
	}
	return cmd, args, nil
}

func newFlagSet(cmd Command, args *Args) *pflag.FlagSet {
	fs := pflag.NewFlagSet(cmd.String(), pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(true)

	fs.StringVarP(&args.ConfigPath, "config", "c", "", "config file")
	fs.BoolVar(&args.JSON, "json", false, "structured output")
	fs.BoolVarP(&args.Verbose, "verbose", "v", false, "debug logging to stderr")
	fs.BoolVarP(&args.Quiet, "quiet", "q", false, "minimal output")

	switch cmd {
	case CmdServe:
		fs.StringVar(&args.Addr, "addr", "", "listen address")
		fs.StringVarP(&args.Model, "model", "m", "", "backend model")
	case CmdChat, CmdSend:
		fs.StringVar(&args.RelayURL, "relay", "", "relay base URL")
		fs.StringArrayVarP(&args.Files, "file", "f", nil, "attach a file")
		fs.StringVarP(&args.Session, "session", "s", "", "session id")
		fs.BoolVarP(&args.New, "new", "n", false, "start a new conversation")
		fs.BoolVar(&args.Plain, "plain", false, "disable markdown rendering")
	case CmdSessions, CmdDelete, CmdDoctor:
		fs.StringVar(&args.RelayURL, "relay", "", "relay base URL")
	case CmdExport:
		fs.StringVar(&args.Format, "format", "md", "md or json")
		fs.StringVarP(&args.Output, "output", "o", "", "output directory")
	}
	return fs
}

// Run executes a parsed command and returns the process exit code.
func Run(cmd Command, args Args) int {
	var err error
	switch cmd {
	case CmdServe:
		err = HandleServe(args)
	case CmdChat:
		err = HandleChat(args)
	case CmdSend:
		err = HandleSend(args)
	case CmdSessions:
		err = HandleSessions(args)
	case CmdDelete:
		err = HandleDelete(args)
	case CmdExport:
		err = HandleExport(args)
	case CmdConfig:
		err = HandleConfig(args)
	case CmdDoctor:
		err = HandleDoctor(args)
	case CmdVersion:
		HandleVersion(args)
	default:
		PrintUsage(os.Stdout)
	}
	if err != nil {
		DisplayError(err, args.JSON)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// HandleVersion handles the "version" command.
func HandleVersion(args Args) {
	if args.JSON {
		_ = NewJSONResponse("version", VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		}).Print()
		return
	}
	PrintVersion(os.Stdout)
}
