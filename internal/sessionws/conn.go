// Package sessionws provides protobuf-framed WebSocket communication with
// open group servers.
package sessionws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Conn wraps a WebSocket connection with protobuf framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("sessionws: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadFrame reads and decodes one frame.
func (c *Conn) ReadFrame(ctx context.Context) (*Frame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("sessionws: read: %w", err)
	}
	return UnmarshalFrame(data)
}

// WriteFrame encodes and sends one frame.
func (c *Conn) WriteFrame(ctx context.Context, f *Frame) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, MarshalFrame(f)); err != nil {
		return fmt.Errorf("sessionws: write: %w", err)
	}
	return nil
}

// SendResponse answers a server request.
func (c *Conn) SendResponse(ctx context.Context, id uint64, status uint32, message string) error {
	return c.WriteFrame(ctx, &Frame{Type: FrameResponse, ID: id, Status: status, Message: message})
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection immediately without a close frame.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
