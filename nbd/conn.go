package nbd

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
)

// connection frames big-endian integers over a buffered net.Conn. It is not
// safe for concurrent use; one goroutine owns a connection, and Close may be
// called from any.
type connection struct {
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer

	// scratch holds one integer on its way in or out
	scratch [8]byte
}

func newConnection(nc net.Conn) *connection {
	return &connection{
		nc: nc,
		r:  bufio.NewReader(nc),
		w:  bufio.NewWriter(nc),
	}
}

// read fills the first n bytes of the scratch buffer.
func (c *connection) read(n int) ([]byte, error) {
	p := c.scratch[:n]
	_, err := io.ReadFull(c.r, p)
	return p, err
}

func (c *connection) ReadFull(p []byte) error {
	_, err := io.ReadFull(c.r, p)
	return err
}

func (c *connection) ReadUint16() (uint16, error) {
	p, err := c.read(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p), nil
}

func (c *connection) ReadUint32() (uint32, error) {
	p, err := c.read(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

func (c *connection) ReadUint64() (uint64, error) {
	p, err := c.read(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

func (c *connection) WriteUint16(v uint16) error {
	binary.BigEndian.PutUint16(c.scratch[:2], v)
	return c.Write(c.scratch[:2])
}

func (c *connection) WriteUint32(v uint32) error {
	binary.BigEndian.PutUint32(c.scratch[:4], v)
	return c.Write(c.scratch[:4])
}

func (c *connection) WriteUint64(v uint64) error {
	binary.BigEndian.PutUint64(c.scratch[:8], v)
	return c.Write(c.scratch[:8])
}

// Write buffers p; nothing reaches the peer until Flush.
func (c *connection) Write(p []byte) error {
	_, err := c.w.Write(p)
	return err
}

func (c *connection) Flush() error {
	return c.w.Flush()
}

func (c *connection) Close() error {
	return c.nc.Close()
}
