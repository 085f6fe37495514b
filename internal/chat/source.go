// Package chat defines the chat-source capability set shared by the
// WebTiles and Twitch services, and the command engine that both invoke for
// every inbound chat line.
package chat

import (
	"context"
	"sync"
)

// MessageKind classifies an outbound chat message. The kind decides how a
// source formats the message (actions get the *name* form) and lets relayed
// knowledge-bot replies keep their query type.
type MessageKind int

const (
	KindNormal MessageKind = iota
	KindAction
	KindMonster
	KindRepo
)

func (k MessageKind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindMonster:
		return "monster"
	case KindRepo:
		return "repo"
	}
	return "normal"
}

// SourceIdent identifies one chat source across services. It is the only
// thing the query router retains about a requester, so a reply can be
// dropped cleanly when the source has since gone away.
type SourceIdent struct {
	Service string
	Name    string
	GameID  string
}

// Source is one watched chat channel: a WebTiles game's chat or a Twitch
// channel.
type Source interface {
	Ident() SourceIdent
	// Describe names the source for log lines.
	Describe() string
	SendChat(ctx context.Context, message string, kind MessageKind) error

	// WatchedUser is the store username whose channel this is.
	WatchedUser() string
	// DCSSNick maps a chat user to their DCSS nick, falling back to the
	// chat name when none is stored.
	DCSSNick(user string) string
	// ChatDCSSNicks returns the DCSS nicks of everyone in the chat except
	// the requester and the bot.
	ChatDCSSNicks(requester string) []string

	// IsBotChannel reports whether this is the bot's own channel rather
	// than a user's.
	IsBotChannel() bool
	// AllowSender reports whether messages from this user are processed
	// at all.
	AllowSender(sender string) bool
	// AllowQuery reports whether this user may issue knowledge-bot
	// queries here.
	AllowQuery(sender string) bool

	// CommandWindow is the source's rolling command-rate window.
	CommandWindow() *Window
}

// Resolver maps idents of one service back to live sources.
type Resolver interface {
	Resolve(ident SourceIdent) (Source, bool)
}

// Registry is the orchestrator-owned lookup from service name to that
// service's Resolver. It breaks the reference cycle between the query
// router and the source managers.
type Registry struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

func NewRegistry() *Registry {
	return &Registry{resolvers: make(map[string]Resolver)}
}

func (r *Registry) Register(service string, res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[service] = res
}

// Resolve finds the live source for an ident, if its service is registered
// and the source still exists.
func (r *Registry) Resolve(ident SourceIdent) (Source, bool) {
	r.mu.RLock()
	res, ok := r.resolvers[ident.Service]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return res.Resolve(ident)
}
