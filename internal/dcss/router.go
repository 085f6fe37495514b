// Package dcss implements the query router: the IRC connection to the
// knowledge-bot network, per-bot query ID tables, and the demultiplexer
// that routes replies back to the originating chat source.
package dcss

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/beembot/beem/internal/beemerr"
	"github.com/beembot/beem/internal/chat"
	"github.com/beembot/beem/internal/config"
	"github.com/beembot/beem/internal/metrics"
)

// controlSeqRe strips mIRC formatting codes and color sequences from bot
// replies.
var controlSeqRe = regexp.MustCompile("\x1f|\x02|\x12|\x0f|\x16|\x03(?:[0-9]{1,2}(?:,[0-9]{1,2})?)?")

// Sequell substitutes $p and $chat itself, but with IRC-side context we
// don't want; rewrite them before the query leaves.
var (
	playerSubRe = regexp.MustCompile(`\$p\b|\$\{p\}`)
	chatSubRe   = regexp.MustCompile(`\$chat\b|\$\{chat\}`)
)

// Router owns the knowledge-bot IRC connection and all in-flight query
// state. Chat services hand it recognized queries through SendQuery and
// receive replies through the source registry.
type Router struct {
	cfg      config.DCSSConfig
	registry *chat.Registry
	met      *metrics.Metrics
	log      *slog.Logger

	bad  []*regexp.Regexp
	bots []*botState

	mu    sync.Mutex
	ready atomic.Bool

	sendMu sync.Mutex
	writer ircWriter

	now func() time.Time
}

// ircWriter is the connection-level send primitive, swapped on every
// reconnect.
type ircWriter func(target, text string) error

func NewRouter(cfg config.DCSSConfig, registry *chat.Registry, met *metrics.Metrics, log *slog.Logger) (*Router, error) {
	r := &Router{
		cfg:      cfg,
		registry: registry,
		met:      met,
		log:      log.With("component", "dcss"),
		now:      time.Now,
	}
	for _, p := range cfg.BadPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(beemerr.ErrConfigInvalid, "bad pattern %q: %v", p, err)
		}
		r.bad = append(r.bad, re)
	}
	for _, botCfg := range cfg.Bots {
		bot, err := newBotState(botCfg)
		if err != nil {
			return nil, err
		}
		r.bots = append(r.bots, bot)
	}
	return r, nil
}

// Ready reports whether the router can accept queries. The watch scheduler
// gates new sessions on this.
func (r *Router) Ready() bool {
	return r.ready.Load()
}

// IsQuery reports whether a chat line is a knowledge-bot query for any
// configured bot. Lines matching a bad pattern are never queries.
func (r *Router) IsQuery(message string) bool {
	for _, re := range r.bad {
		if re.MatchString(message) {
			return false
		}
	}
	_, _, ok := r.dispatch(message)
	return ok
}

// dispatch finds the first bot whose patterns match, in table order.
func (r *Router) dispatch(message string) (*botState, chat.MessageKind, bool) {
	for _, bot := range r.bots {
		if kind, ok := bot.match(message); ok {
			return bot, kind, true
		}
	}
	return nil, chat.KindNormal, false
}

// SendQuery forwards a recognized query to its bot on behalf of requester.
func (r *Router) SendQuery(ctx context.Context, src chat.Source, requester, message string) error {
	bot, kind, ok := r.dispatch(message)
	if !ok {
		return errors.Errorf("no bot matches %q", message)
	}

	out := message
	if bot.cfg.UseRelayPrefix {
		out = r.substitute(src, requester, message)
	}
	if err := r.sendToBot(bot, src.Ident(), src.DCSSNick(requester), requester, kind, out); err != nil {
		return err
	}
	r.log.Info("sent query", "bot", bot.cfg.Nick, "source", src.Describe(),
		"requester", requester, "query", message)
	return nil
}

// substitute rewrites $p to the watched player's DCSS nick and $chat to the
// @-joined nicks of everyone else in the chat.
func (r *Router) substitute(src chat.Source, requester, message string) string {
	out := playerSubRe.ReplaceAllLiteralString(message, src.DCSSNick(src.WatchedUser()))
	if chatSubRe.MatchString(out) {
		nicks := src.ChatDCSSNicks(requester)
		var joined string
		if len(nicks) > 0 {
			joined = "@" + strings.Join(nicks, "|@")
		}
		out = chatSubRe.ReplaceAllLiteralString(out, joined)
	}
	return out
}

// sendToBot allocates a query ID, records the entry, and transmits. On a
// send failure the allocation is rolled back so the ID is not leaked for
// the full retention time.
func (r *Router) sendToBot(bot *botState, ident chat.SourceIdent, requesterNick, requester string, kind chat.MessageKind, message string) error {
	now := r.now()

	r.mu.Lock()
	id, err := bot.allocate(now)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	bot.queries[id] = &queryEntry{
		id:        id,
		requester: requester,
		ident:     ident,
		kind:      kind,
		submitted: now,
	}
	if !bot.cfg.UseRelayPrefix {
		bot.queue = append(bot.queue, id)
	}
	r.mu.Unlock()

	out := message
	if bot.cfg.UseRelayPrefix {
		out = fmt.Sprintf("!RELAY -nick %s -prefix %c -n 1 %s",
			requesterNick, relayIDChars[id], message)
	}
	if err := r.send(bot.cfg.Nick, out); err != nil {
		r.mu.Lock()
		bot.drop(id)
		r.mu.Unlock()
		return err
	}
	r.met.QueriesSent.WithLabelValues(bot.cfg.Nick).Inc()
	return nil
}

// handleBotLine routes one inbound PRIVMSG from the knowledge-bot network.
func (r *Router) handleBotLine(ctx context.Context, nick, line string) {
	bot := r.botByNick(nick)
	if bot == nil {
		r.log.Debug("message from unknown nick", "nick", nick, "message", line)
		return
	}

	text := controlSeqRe.ReplaceAllString(line, "")

	r.mu.Lock()
	entry, body, reason := bot.takeReply(text, r.now())
	r.mu.Unlock()
	if entry == nil {
		if reason != "unrecognized" {
			r.log.Info("dropped reply", "bot", bot.cfg.Nick, "reason", reason, "message", text)
		}
		r.met.QueriesDropped.WithLabelValues(bot.cfg.Nick, reason).Inc()
		return
	}

	// A relay-bot reply may itself be a query for another bot; forward it
	// as a new query for the same requester.
	if bot.cfg.UseRelayPrefix {
		if target, kind, ok := r.dispatch(body); ok && target != bot {
			if err := r.sendToBot(target, entry.ident, entry.requester, entry.requester, kind, body); err != nil {
				r.log.Info("relay failed", "from", bot.cfg.Nick, "to", target.cfg.Nick, "error", err)
			}
			return
		}
	}

	src, ok := r.registry.Resolve(entry.ident)
	if !ok {
		r.log.Info("dropped reply", "bot", bot.cfg.Nick, "reason", "source gone",
			"service", entry.ident.Service, "name", entry.ident.Name)
		r.met.QueriesDropped.WithLabelValues(bot.cfg.Nick, "source gone").Inc()
		return
	}

	kind := entry.kind
	if len(body) >= 4 && strings.EqualFold(body[:4], "/me ") {
		kind = chat.KindAction
		body = body[4:]
	}
	if err := src.SendChat(ctx, body, kind); err != nil {
		r.log.Info("reply not delivered", "bot", bot.cfg.Nick, "source", src.Describe(), "error", err)
		return
	}
	r.met.QueriesAnswered.WithLabelValues(bot.cfg.Nick).Inc()
}

func (r *Router) botByNick(nick string) *botState {
	for _, bot := range r.bots {
		if strings.EqualFold(bot.cfg.Nick, nick) {
			return bot
		}
	}
	return nil
}

// send transmits one PRIVMSG over the current connection.
func (r *Router) send(target, text string) error {
	if r.cfg.FakeConnect {
		r.log.Debug("fake send", "target", target, "message", text)
		return nil
	}

	r.sendMu.Lock()
	w := r.writer
	r.sendMu.Unlock()
	if w == nil {
		return errors.Wrap(beemerr.ErrWriteFailed, "not connected")
	}
	if err := w(target, text); err != nil {
		return errors.Wrapf(beemerr.ErrWriteFailed, "privmsg %s: %v", target, err)
	}
	return nil
}

func (r *Router) setWriter(w ircWriter) {
	r.sendMu.Lock()
	r.writer = w
	r.sendMu.Unlock()
}
