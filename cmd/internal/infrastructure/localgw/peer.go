package localgw

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"
)

type peer struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(id string, bufSize int) *peer {
	return &peer{
		id:   id,
		send: make(chan []byte, bufSize),
		done: make(chan struct{}),
	}
}

// close is safe to call more than once and before the upgrade finished.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

func (p *peer) writePump() {
	defer func() {
		if err := p.conn.Close(); err != nil {
			log.Debugf("close error on %s: %v", p.id, err)
		}
	}()

	for {
		select {
		case msg := <-p.send:
			if err := p.write(websocket.TextMessage, msg); err != nil {
				log.Debugf("write to %s failed: %v", p.id, err)
				p.close()
				return
			}

		case <-p.done:
			p.drain()
			_ = p.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes what was queued before the close, such as a sessionExpired
// signal that precedes DeleteConnection.
func (p *peer) drain() {
	for {
		select {
		case msg := <-p.send:
			if err := p.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *peer) write(messageType int, data []byte) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return p.conn.WriteMessage(messageType, data)
}
