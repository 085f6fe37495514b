package dcss

import (
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/beembot/beem/internal/beemerr"
	"github.com/beembot/beem/internal/chat"
	"github.com/beembot/beem/internal/config"
)

// relayIDChars is the query ID space for bots reached through the relay
// directive: one character per in-flight query, echoed back as the reply
// prefix.
const relayIDChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// queueIDSpace is the ID space for queue-ordered bots; those IDs are
// internal only, since replies are matched by arrival order.
const queueIDSpace = 100

// Query retention. A reply to a query older than this is dropped and the
// ID becomes reclaimable.
const (
	relayMaxRequestTime = 100 * time.Second
	queueMaxRequestTime = 80 * time.Second
)

// queryEntry is one in-flight knowledge-bot query.
type queryEntry struct {
	id        int
	requester string
	ident     chat.SourceIdent
	kind      chat.MessageKind
	submitted time.Time
}

// botState tracks one knowledge bot: its compiled query patterns, the
// in-flight query table, and (for queue-ordered bots) the reply FIFO.
type botState struct {
	cfg      config.BotConfig
	patterns []botPattern
	response []*regexp.Regexp

	idSpace int
	maxAge  time.Duration

	queries map[int]*queryEntry
	queue   []int
	// lastAnswered routes stray follow-on lines that arrive after the
	// entry itself was consumed.
	lastAnswered *queryEntry
}

type botPattern struct {
	re   *regexp.Regexp
	kind chat.MessageKind
}

func newBotState(cfg config.BotConfig) (*botState, error) {
	b := &botState{
		cfg:     cfg,
		idSpace: queueIDSpace,
		maxAge:  queueMaxRequestTime,
		queries: make(map[int]*queryEntry),
	}
	if cfg.UseRelayPrefix {
		b.idSpace = len(relayIDChars)
		b.maxAge = relayMaxRequestTime
	}

	groups := []struct {
		patterns []string
		kind     chat.MessageKind
	}{
		{cfg.StatsPatterns, chat.KindNormal},
		{cfg.MonsterPatterns, chat.KindMonster},
		{cfg.RepoPatterns, chat.KindRepo},
	}
	for _, g := range groups {
		for _, p := range g.patterns {
			re, err := compileAnchored(p)
			if err != nil {
				return nil, errors.Wrapf(beemerr.ErrConfigInvalid,
					"bot %s pattern %q: %v", cfg.Nick, p, err)
			}
			b.patterns = append(b.patterns, botPattern{re: re, kind: g.kind})
		}
	}
	for _, p := range cfg.ResponsePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(beemerr.ErrConfigInvalid,
				"bot %s response pattern %q: %v", cfg.Nick, p, err)
		}
		b.response = append(b.response, re)
	}
	return b, nil
}

// compileAnchored compiles a query pattern that must match from the start
// of the message.
func compileAnchored(p string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(p, "^") {
		p = "^(?:" + p + ")"
	}
	return regexp.Compile(p)
}

// match reports whether a message is a query for this bot and with which
// reply kind. Pattern lists are scanned in declaration order.
func (b *botState) match(message string) (chat.MessageKind, bool) {
	for _, p := range b.patterns {
		if p.re.MatchString(message) {
			return p.kind, true
		}
	}
	return chat.KindNormal, false
}

// acceptsReply applies the bot's response patterns, when any are declared.
func (b *botState) acceptsReply(text string) bool {
	if len(b.response) == 0 {
		return true
	}
	for _, re := range b.response {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// allocate finds a free query ID by linear scan. An ID is free when unused
// or when its entry has aged past the bot's retention time; reclaiming a
// stale entry also removes it from the reply queue.
func (b *botState) allocate(now time.Time) (int, error) {
	for id := 0; id < b.idSpace; id++ {
		entry, used := b.queries[id]
		if !used {
			return id, nil
		}
		if now.Sub(entry.submitted) >= b.maxAge {
			b.drop(id)
			return id, nil
		}
	}
	return 0, errors.Wrapf(beemerr.ErrQueueFull, "bot %s", b.cfg.Nick)
}

// drop removes an entry and any queue position it holds.
func (b *botState) drop(id int) {
	delete(b.queries, id)
	for i, queued := range b.queue {
		if queued == id {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
}

// takeReply consumes one inbound line from this bot. It returns the query
// entry the line answers, the reply body, and a drop reason when the line
// cannot be routed.
func (b *botState) takeReply(text string, now time.Time) (*queryEntry, string, string) {
	if b.cfg.UseRelayPrefix {
		return b.takeRelayReply(text, now)
	}
	return b.takeQueuedReply(text, now)
}

func (b *botState) takeRelayReply(text string, now time.Time) (*queryEntry, string, string) {
	if text == "" {
		return nil, "", "empty"
	}
	id := strings.IndexByte(relayIDChars, text[0])
	if id < 0 {
		return nil, "", "invalid prefix"
	}
	body := strings.TrimPrefix(text[1:], " ")

	entry := b.queries[id]
	if entry == nil {
		// A follow-on line for the query we just answered.
		if last := b.lastAnswered; last != nil && last.id == id &&
			now.Sub(last.submitted) < b.maxAge {
			return last, body, ""
		}
		return nil, "", "unknown id"
	}
	delete(b.queries, id)
	if now.Sub(entry.submitted) >= b.maxAge {
		return nil, "", "stale"
	}
	b.lastAnswered = entry
	return entry, body, ""
}

func (b *botState) takeQueuedReply(text string, now time.Time) (*queryEntry, string, string) {
	if !b.acceptsReply(text) {
		return nil, "", "unrecognized"
	}
	if len(b.queue) == 0 {
		if last := b.lastAnswered; last != nil && now.Sub(last.submitted) < b.maxAge {
			return last, text, ""
		}
		return nil, "", "no request in queue"
	}

	id := b.queue[0]
	b.queue = b.queue[1:]
	entry := b.queries[id]
	delete(b.queries, id)
	if entry == nil {
		return nil, "", "unknown id"
	}
	if now.Sub(entry.submitted) >= b.maxAge {
		return nil, "", "stale"
	}
	b.lastAnswered = entry
	return entry, text, ""
}
