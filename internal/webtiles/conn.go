// Package webtiles implements the WebTiles service: the lobby feed, the
// per-game spectator sessions, and the watch scheduler that reconciles the
// two.
package webtiles

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/beembot/beem/internal/beemerr"
)

// Message is the union of every WebTiles message the bot reads. Unused
// fields stay at their zero value.
type Message struct {
	Msg string `json:"msg"`

	// lobby_entry
	ID             int     `json:"id"`
	Username       string  `json:"username"`
	GameID         string  `json:"game_id"`
	IdleTime       float64 `json:"idle_time"`
	SpectatorCount int     `json:"spectator_count"`

	// chat
	Content string `json:"content"`

	// go
	Path string `json:"path"`

	// dump
	URL string `json:"url"`

	// update_spectators
	Names string `json:"names"`
	Count int    `json:"count"`

	// login_fail
	Reason string `json:"reason"`
}

// inflateDictSize is the DEFLATE window: the server compresses with context
// takeover, so each message's back-references may reach into the previous
// 32 KiB of decompressed output.
const inflateDictSize = 32 * 1024

// deflateTail terminates each message for the decompressor. The server
// sync-flushes and strips these four bytes before sending.
var deflateTail = []byte{0x00, 0x00, 0xff, 0xff}

// Conn is one WebTiles websocket. Incoming binary frames are raw-deflate
// compressed across the whole connection; outgoing frames are plain JSON
// text.
type Conn struct {
	ws   *websocket.Conn
	dict []byte
}

var dialer = &websocket.Dialer{
	HandshakeTimeout: 30 * time.Second,
}

// Dial connects to a WebTiles socket URL.
func Dial(ctx context.Context, socketURL string) (*Conn, error) {
	ws, _, err := dialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return nil, errors.Wrapf(beemerr.ErrConnectFailed, "dial %s: %v", socketURL, err)
	}
	return &Conn{ws: ws}, nil
}

// ReadMessages reads one frame and returns its decoded messages; a frame
// carries either a single message or a "msgs" batch.
func (c *Conn) ReadMessages() ([]Message, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, errors.Wrapf(beemerr.ErrReadFailed, "read frame: %v", err)
	}
	if kind == websocket.BinaryMessage {
		data, err = c.inflate(data)
		if err != nil {
			return nil, err
		}
	}
	return decodeFrame(data)
}

// inflate decompresses one frame, carrying the sliding window across
// messages. The per-message reader is primed with the tail of all previous
// output, which is equivalent to one continuous stream because the server
// sync-flushes at message boundaries.
func (c *Conn) inflate(data []byte) ([]byte, error) {
	full := make([]byte, 0, len(data)+len(deflateTail))
	full = append(full, data...)
	full = append(full, deflateTail...)

	fr := flate.NewReaderDict(bytes.NewReader(full), c.dict)
	out, err := io.ReadAll(fr)
	// The stream has no final block; the sync-flush boundary reads as an
	// unexpected EOF.
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrapf(beemerr.ErrProtocolViolation, "inflate: %v", err)
	}

	c.dict = append(c.dict, out...)
	if len(c.dict) > inflateDictSize {
		c.dict = c.dict[len(c.dict)-inflateDictSize:]
	}
	return out, nil
}

func decodeFrame(data []byte) ([]Message, error) {
	var batch struct {
		Msgs []Message `json:"msgs"`
	}
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, errors.Wrapf(beemerr.ErrProtocolViolation, "decode frame: %v", err)
	}
	if batch.Msgs != nil {
		return batch.Msgs, nil
	}

	var single Message
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, errors.Wrapf(beemerr.ErrProtocolViolation, "decode message: %v", err)
	}
	if single.Msg == "" {
		return nil, nil
	}
	return []Message{single}, nil
}

// Send writes one outgoing message as a JSON text frame.
func (c *Conn) Send(v any) error {
	if err := c.ws.WriteJSON(v); err != nil {
		return errors.Wrapf(beemerr.ErrWriteFailed, "send: %v", err)
	}
	return nil
}

func (c *Conn) Close() error {
	return c.ws.Close()
}
