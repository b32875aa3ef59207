package broker

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// websocketConn adapts a *websocket.Conn to net.Conn so paho.mqtt.golang
// can frame MQTT packets over it exactly as it would over a raw TCP
// socket, while this package retains the underlying *websocket.Conn for
// the keepalive ping loop in client.go.
type websocketConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

func newWebsocketConn(ws *websocket.Conn) *websocketConn {
	return &websocketConn{ws: ws}
}

func (c *websocketConn) Read(b []byte) (int, error) {
	for {
		if c.reader != nil {
			n, err := c.reader.Read(b)
			if err == io.EOF {
				c.reader = nil
				if n > 0 {
					return n, nil
				}
				continue
			}
			return n, err
		}
		_, r, err := c.ws.NextReader()
		if err != nil {
			return 0, err
		}
		c.reader = r
	}
}

func (c *websocketConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *websocketConn) Close() error         { return c.ws.Close() }
func (c *websocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *websocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }
func (c *websocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *websocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *websocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
