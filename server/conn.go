package server

import (
	"sync"

	"chatd/protocol"
)

const sendBuffer = 64

// Conn is one client transport handle. All outbound frames funnel
// through a single buffered channel drained by one writer goroutine, so
// two concurrently queued frames can never interleave on the wire.
type Conn struct {
	addr string

	send chan string
	done chan struct{}
	once sync.Once

	writeFrame func(frame string) error
	closeFn    func() error

	mu    sync.Mutex
	codec protocol.Codec
}

func newConn(addr string, write func(string) error, closeFn func() error, codec protocol.Codec) *Conn {
	return &Conn{
		addr:       addr,
		send:       make(chan string, sendBuffer),
		done:       make(chan struct{}),
		writeFrame: write,
		closeFn:    closeFn,
		codec:      codec,
	}
}

// setCodec remembers the encoding of the last decoded frame; pushes to
// this connection are encoded with it.
func (c *Conn) setCodec(codec protocol.Codec) {
	c.mu.Lock()
	c.codec = codec
	c.mu.Unlock()
}

func (c *Conn) currentCodec() protocol.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

// enqueue queues one outbound frame. A connection that cannot drain its
// buffer is closed rather than allowed to block the rest of the server.
func (c *Conn) enqueue(frame string) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.Close()
	}
}

func (c *Conn) enqueuePush(p *protocol.PushEvent) {
	c.enqueue(c.currentCodec().EncodePush(p))
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		c.closeFn()
	})
}
