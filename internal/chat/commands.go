package chat

import (
	"context"
	"regexp"
	"strings"
)

// dcssNickPattern matches a valid DCSS account name.
var dcssNickPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// helpCommand echoes the configured help text with %n replaced by the bot's
// chat name. Registered under "bothelp"; "help" and the bot's own name alias
// to it.
func helpCommand(helpText, botName string) *Command {
	reply := strings.ReplaceAll(helpText, "%n", botName)
	return &Command{
		Name: "bothelp",
		Handler: func(ctx context.Context, inv Invocation) (string, error) {
			return reply, nil
		},
	}
}

// nickCommand shows or sets a user's DCSS nick.
func nickCommand(db UserStore, service string) *Command {
	return &Command{
		Name: "nick",
		Args: []ArgSpec{{Description: "nick", Pattern: dcssNickPattern}},
		Handler: func(ctx context.Context, inv Invocation) (string, error) {
			target := inv.TargetUser
			if len(inv.Args) == 0 {
				nick := target
				if row, ok := db.User(service, target); ok && row.Str("nick") != "" {
					nick = row.Str("nick")
				}
				return "The DCSS nick for " + target + " is " + nick + ".", nil
			}

			if _, err := db.EnsureUser(ctx, service, target); err != nil {
				return "", err
			}
			if err := db.SetField(ctx, service, target, "nick", inv.Args[0]); err != nil {
				return "", err
			}
			return "The DCSS nick for " + target + " is now " + inv.Args[0] + ".", nil
		},
	}
}
