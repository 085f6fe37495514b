package chat

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/beembot/beem/internal/beemerr"
	"github.com/beembot/beem/internal/metrics"
	"github.com/beembot/beem/store"
)

// CommandPrefix starts every bot command.
const CommandPrefix = "!"

// AdminTargetPrefix lets an admin redirect a command at another user.
const AdminTargetPrefix = "^"

// UserStore is the engine's view of the user database.
type UserStore interface {
	User(service, username string) (store.Row, bool)
	EnsureUser(ctx context.Context, service, username string) (store.Row, error)
	SetField(ctx context.Context, service, username, field string, value any) error
}

// QueryRouter is the engine's view of the knowledge-bot router.
type QueryRouter interface {
	// IsQuery reports whether a chat line is a knowledge-bot query.
	IsQuery(message string) bool
	// SendQuery forwards a query on behalf of requester.
	SendQuery(ctx context.Context, src Source, requester, message string) error
}

// ArgSpec declares one positional command argument.
type ArgSpec struct {
	Description string
	Required    bool
	Pattern     *regexp.Regexp
}

// Command is one chat command: its argument specs, restriction flags, and
// handler. The handler's reply, when non-empty, is echoed to the source; a
// returned BotCommandError is echoed instead, and any other error is only
// logged.
type Command struct {
	Name               string
	Args               []ArgSpec
	RequireAdmin       bool
	RequireUserSource  bool
	RequireBotSource   bool
	DisallowSingleUser bool
	Handler            func(ctx context.Context, inv Invocation) (string, error)
}

// Invocation is one resolved command call.
type Invocation struct {
	Source Source
	// Sender is the chat user who issued the command.
	Sender string
	// TargetUser is the user the command applies to; differs from Sender
	// only for admin-redirected commands.
	TargetUser string
	Args       []string
	// SenderIsAdmin lets handlers gate argument forms on admin status.
	SenderIsAdmin bool
}

// Usage renders the command's usage line from its argument specs.
func (c *Command) Usage() string {
	var b strings.Builder
	b.WriteString("Usage: ")
	b.WriteString(CommandPrefix)
	b.WriteString(c.Name)
	for _, a := range c.Args {
		b.WriteByte(' ')
		if a.Required {
			b.WriteString("<" + a.Description + ">")
		} else {
			b.WriteString("[" + a.Description + "]")
		}
	}
	return b.String()
}

// EngineConfig carries the per-service settings of a command engine.
type EngineConfig struct {
	// Service is the store service name ("webtiles" or "twitch").
	Service string
	// BotName is the bot's chat-visible name, substituted for %n in help.
	BotName string
	// LoginName is the bot's own login; its messages are ignored.
	LoginName string
	HelpText  string
	// SingleUser disables commands flagged DisallowSingleUser.
	SingleUser bool
	IsAdmin    func(name string) bool
}

// Engine parses and dispatches chat commands for one service. It is
// stateless across messages apart from the command table; rate-limit state
// lives in each source's Window.
type Engine struct {
	cfg      EngineConfig
	router   QueryRouter
	db       UserStore
	log      *slog.Logger
	met      *metrics.Metrics
	commands map[string]*Command
	now      func() time.Time
}

func NewEngine(cfg EngineConfig, router QueryRouter, db UserStore, log *slog.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		router:   router,
		db:       db,
		log:      log,
		commands: make(map[string]*Command),
		now:      time.Now,
	}
	e.Register(helpCommand(cfg.HelpText, cfg.BotName))
	e.Register(nickCommand(db, cfg.Service))
	return e
}

// SetMetrics enables command counting. Safe to leave unset in tests.
func (e *Engine) SetMetrics(met *metrics.Metrics) {
	e.met = met
}

// Register adds commands to the engine's table.
func (e *Engine) Register(cmds ...*Command) {
	for _, c := range cmds {
		e.commands[c.Name] = c
	}
}

// ProcessMessage handles one inbound chat line: knowledge-bot queries go to
// the router, bot commands are parsed and dispatched, everything else is
// ignored.
func (e *Engine) ProcessMessage(ctx context.Context, src Source, sender, message string) {
	if strings.EqualFold(sender, e.cfg.LoginName) || !src.AllowSender(sender) {
		return
	}

	msg := strings.TrimSpace(message)
	if msg == "" {
		return
	}

	if e.router != nil && e.router.IsQuery(msg) {
		if !src.AllowQuery(sender) {
			return
		}
		// Queries share the command window; an unthrottled flood would
		// exhaust the knowledge bots' query IDs.
		if !e.cfg.IsAdmin(sender) && !src.CommandWindow().Allow(e.now()) {
			e.log.Info("query rate limited", "source", src.Describe(), "sender", sender)
			return
		}
		if err := e.router.SendQuery(ctx, src, sender, msg); err != nil {
			e.log.Info("query not sent", "source", src.Describe(), "sender", sender, "error", err)
		}
		return
	}

	if !strings.HasPrefix(msg, CommandPrefix) {
		return
	}
	e.runCommand(ctx, src, sender, msg)
}

func (e *Engine) runCommand(ctx context.Context, src Source, sender, msg string) {
	fields := strings.Fields(msg[len(CommandPrefix):])
	if len(fields) == 0 {
		return
	}

	name := strings.ToLower(fields[0])
	if name == sanitizeName(e.cfg.BotName) || name == "help" {
		name = "bothelp"
	}
	cmd, ok := e.commands[name]
	if !ok {
		return
	}

	admin := e.cfg.IsAdmin(sender)
	if !admin && !src.CommandWindow().Allow(e.now()) {
		e.log.Info("command rate limited", "source", src.Describe(), "sender", sender, "command", name)
		return
	}
	if e.met != nil {
		e.met.CommandsRun.WithLabelValues(e.cfg.Service).Inc()
	}

	targetUser, args, err := e.prepare(cmd, src, sender, admin, fields[1:])
	if err == nil {
		var reply string
		reply, err = cmd.Handler(ctx, Invocation{
			Source:        src,
			Sender:        sender,
			TargetUser:    targetUser,
			Args:          args,
			SenderIsAdmin: admin,
		})
		if err == nil && reply != "" {
			e.send(ctx, src, reply)
			return
		}
	}
	if err == nil {
		return
	}

	if cmdErr, ok := beemerr.AsCommandError(err); ok {
		e.send(ctx, src, cmdErr.Msg)
		return
	}
	e.log.Error("command failed", "source", src.Describe(), "sender", sender,
		"command", name, "error", err)
}

// prepare runs the restriction checks, admin target resolution and argument
// validation.
func (e *Engine) prepare(cmd *Command, src Source, sender string, admin bool, args []string) (string, []string, error) {
	switch {
	case cmd.RequireAdmin && !admin:
		return "", nil, beemerr.CommandErrorf("This command is admin-only.")
	case cmd.RequireUserSource && src.IsBotChannel():
		return "", nil, beemerr.CommandErrorf("This command must be run from a user's chat.")
	case cmd.RequireBotSource && !src.IsBotChannel():
		return "", nil, beemerr.CommandErrorf("This command must be run from %s's chat.", e.cfg.BotName)
	case cmd.DisallowSingleUser && e.cfg.SingleUser:
		return "", nil, beemerr.CommandErrorf("This command is disabled.")
	}

	targetUser := sender
	if len(args) > 0 && strings.HasPrefix(args[0], AdminTargetPrefix) {
		if !admin {
			return "", nil, beemerr.CommandErrorf("Only admins can target other users.")
		}
		name := args[0][len(AdminTargetPrefix):]
		if name == "" {
			return "", nil, beemerr.CommandErrorf(cmd.Usage())
		}
		targetUser = name
		args = args[1:]
	}

	if len(args) > len(cmd.Args) {
		return "", nil, beemerr.CommandErrorf(cmd.Usage())
	}
	for i, spec := range cmd.Args {
		if i >= len(args) {
			if spec.Required {
				return "", nil, beemerr.CommandErrorf(cmd.Usage())
			}
			break
		}
		if spec.Pattern != nil && !spec.Pattern.MatchString(args[i]) {
			return "", nil, beemerr.CommandErrorf(cmd.Usage())
		}
	}
	return targetUser, args, nil
}

func (e *Engine) send(ctx context.Context, src Source, reply string) {
	if err := src.SendChat(ctx, reply, KindNormal); err != nil {
		e.log.Info("reply not sent", "source", src.Describe(), "error", err)
	}
}

// sanitizeName lowers a chat name and strips anything that could not appear
// in a command token, so "!<botname>" works as a help alias.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
