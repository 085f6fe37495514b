package dcss

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/irc.v4"

	"github.com/beembot/beem/internal/beemerr"
)

const (
	reconnectTimeout = 5 * time.Second
	dialTimeout      = 30 * time.Second
)

// Run connects to the knowledge-bot IRC network and pumps messages until
// the context is cancelled. Transient connection errors reconnect after a
// delay; an authentication failure is returned and ends the process.
func (r *Router) Run(ctx context.Context) error {
	if r.cfg.FakeConnect {
		r.log.Info("fake connection enabled")
		r.ready.Store(true)
		<-ctx.Done()
		return ctx.Err()
	}

	for {
		err := r.runConn(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, beemerr.ErrAuthFailed) {
			return err
		}

		r.log.Error("connection lost", "error", err)
		r.met.Reconnects.WithLabelValues("dcss").Inc()
		select {
		case <-time.After(reconnectTimeout):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Router) runConn(ctx context.Context) error {
	addr := net.JoinHostPort(r.cfg.Hostname, strconv.Itoa(r.cfg.Port))
	r.log.Info("connecting", "addr", addr, "nick", r.cfg.Nick)

	d := net.Dialer{Timeout: dialTimeout}
	sock, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(beemerr.ErrConnectFailed, "dial %s: %v", addr, err)
	}
	if r.cfg.UseSSL {
		sock = tls.Client(sock, &tls.Config{ServerName: r.cfg.Hostname})
	}
	defer sock.Close()
	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	conn := irc.NewConn(sock)
	r.setWriter(func(target, text string) error {
		return conn.WriteMessage(&irc.Message{
			Command: "PRIVMSG",
			Params:  []string{target, text},
		})
	})
	defer r.setWriter(nil)
	defer r.ready.Store(false)

	if err := r.register(conn); err != nil {
		return err
	}
	return r.readLoop(ctx, conn)
}

// register sends the initial handshake. With a server password configured,
// SASL PLAIN is requested before NICK/USER; replies are not accepted until
// it completes.
func (r *Router) register(conn *irc.Conn) error {
	msgs := []*irc.Message{}
	if r.useSASL() {
		msgs = append(msgs, &irc.Message{Command: "CAP", Params: []string{"REQ", "sasl"}})
	}
	user := r.cfg.Username
	if user == "" {
		user = r.cfg.Nick
	}
	msgs = append(msgs,
		&irc.Message{Command: "NICK", Params: []string{r.cfg.Nick}},
		&irc.Message{Command: "USER", Params: []string{user, "0", "*", r.cfg.Nick}},
	)
	for _, m := range msgs {
		if err := conn.WriteMessage(m); err != nil {
			return errors.Wrapf(beemerr.ErrWriteFailed, "register: %v", err)
		}
	}
	return nil
}

func (r *Router) useSASL() bool {
	return r.cfg.Password != ""
}

func (r *Router) readLoop(ctx context.Context, conn *irc.Conn) error {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrapf(beemerr.ErrReadFailed, "read: %v", err)
		}

		switch msg.Command {
		case "PING":
			reply := &irc.Message{Command: "PONG", Params: msg.Params}
			if err := conn.WriteMessage(reply); err != nil {
				return errors.Wrapf(beemerr.ErrWriteFailed, "pong: %v", err)
			}

		case "CAP":
			if err := r.handleCap(conn, msg); err != nil {
				return err
			}

		case "AUTHENTICATE":
			if len(msg.Params) > 0 && msg.Params[0] == "+" {
				user := r.cfg.Username
				if user == "" {
					user = r.cfg.Nick
				}
				payload := base64.StdEncoding.EncodeToString(
					[]byte("\x00" + user + "\x00" + r.cfg.Password))
				err := conn.WriteMessage(&irc.Message{
					Command: "AUTHENTICATE", Params: []string{payload}})
				if err != nil {
					return errors.Wrapf(beemerr.ErrWriteFailed, "sasl: %v", err)
				}
			}

		case "900":
			r.log.Info("authenticated")

		case "903":
			if err := conn.WriteMessage(&irc.Message{Command: "CAP", Params: []string{"END"}}); err != nil {
				return errors.Wrapf(beemerr.ErrWriteFailed, "cap end: %v", err)
			}

		case "904", "905":
			return errors.Wrapf(beemerr.ErrAuthFailed, "sasl: %s", msg.Trailing())

		case "001":
			r.log.Info("connected", "nick", r.cfg.Nick)
			r.ready.Store(true)

		case "PRIVMSG":
			if !r.ready.Load() {
				continue
			}
			if len(msg.Params) >= 2 && strings.EqualFold(msg.Params[0], r.cfg.Nick) {
				r.handleBotLine(ctx, msg.Name, msg.Params[1])
			}
		}
	}
}

// handleCap completes or aborts the SASL negotiation.
func (r *Router) handleCap(conn *irc.Conn, msg *irc.Message) error {
	if len(msg.Params) < 3 {
		return nil
	}
	sub, caps := msg.Params[1], msg.Params[2]
	if !strings.Contains(caps, "sasl") {
		return nil
	}
	switch sub {
	case "ACK":
		if err := conn.WriteMessage(&irc.Message{
			Command: "AUTHENTICATE", Params: []string{"PLAIN"}}); err != nil {
			return errors.Wrapf(beemerr.ErrWriteFailed, "sasl start: %v", err)
		}
	case "NAK":
		return errors.Wrap(beemerr.ErrAuthFailed, "server rejected sasl")
	}
	return nil
}
