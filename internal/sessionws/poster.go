package sessionws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/avinashbhat/session-desktop/internal/outgoing"
)

// PostError is a non-2xx answer from the open group server.
type PostError struct {
	Room    string
	Status  uint32
	Message string
}

func (e *PostError) Error() string {
	return fmt.Sprintf("sessionws: post to %s: status %d: %s", e.Room, e.Status, e.Message)
}

// Poster posts open group messages over one WebSocket connection to one
// server. It dials lazily, runs one request at a time and redials after the
// connection breaks.
type Poster struct {
	url     string
	host    string
	tlsConf *tls.Config
	log     zerolog.Logger

	mu     sync.Mutex
	conn   *Conn
	nextID uint64
}

// NewPoster returns a poster for the server at wsURL.
func NewPoster(wsURL string, tlsConf *tls.Config, logger zerolog.Logger) (*Poster, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("sessionws: poster url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("sessionws: poster url %q has no host", wsURL)
	}
	return &Poster{
		url:     wsURL,
		host:    strings.ToLower(u.Host),
		tlsConf: tlsConf,
		log:     logger.With().Str("component", "sessionws").Logger(),
	}, nil
}

// Post sends msg to the room named by msg.Destination and waits for the
// server's answer.
func (p *Poster) Post(ctx context.Context, msg *outgoing.Message) error {
	host, room, ok := SplitRoomID(msg.Destination)
	if !ok {
		return fmt.Errorf("sessionws: invalid room id %q", msg.Destination)
	}
	if !strings.EqualFold(host, p.host) {
		return fmt.Errorf("sessionws: room %s is not on %s", msg.Destination, p.host)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := Dial(ctx, p.url, p.tlsConf)
		if err != nil {
			return err
		}
		p.conn = conn
		p.log.Debug().Str("url", p.url).Msg("connected")
	}

	p.nextID++
	req := &Frame{
		Type: FrameRequest,
		ID:   p.nextID,
		Verb: "POST",
		Path: "/room/" + room + "/message",
		Body: outgoing.Marshal(msg),
	}
	resp, err := p.roundTrip(ctx, req)
	if err != nil {
		p.conn.CloseNow()
		p.conn = nil
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return &PostError{Room: msg.Destination, Status: resp.Status, Message: resp.Message}
	}
	p.log.Debug().Str("room", msg.Destination).Str("msg_id", msg.ID).Msg("posted")
	return nil
}

// roundTrip writes req and reads until its response arrives. Server requests
// seen meanwhile are answered with 200.
func (p *Poster) roundTrip(ctx context.Context, req *Frame) (*Frame, error) {
	if err := p.conn.WriteFrame(ctx, req); err != nil {
		return nil, err
	}
	for {
		f, err := p.conn.ReadFrame(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case f.Type == FrameResponse && f.ID == req.ID:
			return f, nil
		case f.Type == FrameRequest:
			if err := p.conn.SendResponse(ctx, f.ID, 200, "OK"); err != nil {
				return nil, err
			}
		default:
			p.log.Debug().Uint64("id", f.ID).Msg("dropping stray response")
		}
	}
}

// Close closes the connection, if any.
func (p *Poster) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
