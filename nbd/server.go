// Package nbd is a Network Block Device server implemented based on
// https://github.com/NetworkBlockDevice/nbd/blob/cb20c16354cccf4698fde74c42f5fb8542b289ae/doc/proto.md
//
// It serves a single export. Only the fixed newstyle handshake is spoken.
package nbd

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	magicInit      = 0x4e42444d41474943 // NBDMAGIC
	magicOpt       = 0x49484156454F5054 // IHAVEOPT
	magicReply     = 0x3e889045565a9
	magicRequest   = 0x25609513
	magicSimpleRep = 0x67446698

	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1

	flagHasFlags  = 1 << 0
	flagSendFlush = 1 << 2

	optExportName = 1
	optAbort      = 2
	optInfo       = 6
	optGo         = 7

	repAck        = 1
	repInfo       = 3
	repErrUnsup   = 1<<31 + 1
	repErrUnknown = 1<<31 + 6

	infoExport = 0

	cmdRead  = 0
	cmdWrite = 1
	cmdDisc  = 2
	cmdFlush = 3

	errIO    = 5
	errInval = 22

	// maxPayload bounds a single request, like the reference server.
	maxPayload = 32 << 20
)

// errAbort ends the handshake without entering transmission.
var errAbort = errors.New("client aborted")

// Device is the storage behind the export.
type Device interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	WriteAt(ctx context.Context, p []byte, off int64) error
	Size() int64
}

type Server struct {
	name string
	dev  Device
	log  *logrus.Entry

	wg sync.WaitGroup
}

// NewServer exports dev as name. Clients asking for the default export (an
// empty name) get it too.
func NewServer(name string, dev Device, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		name: name,
		dev:  dev,
		log:  log.WithField("export", name),
	}
}

// ListenAndServe listens on addr, e.g. ":10809".
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("unable to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then waits for open
// connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.log.WithField("addr", ln.Addr().String()).Info("serving")

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.log.Warnf("unable to accept: %v", err)
			continue
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, nc)
		}()
	}
}

// ServeConn speaks the protocol on one connection and closes it.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	c := newConnection(nc)
	defer c.Close()
	log := s.log.WithField("remote", nc.RemoteAddr().String())
	log.Debug("handling")

	// closing the connection unblocks any pending read
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	err := s.handshake(c, log)
	if err == errAbort {
		log.Debug("aborted")
		return
	} else if err != nil {
		log.Warnf("handshake failed: %v", err)
		return
	}

	err = s.transmit(ctx, c, log)
	if err != nil && ctx.Err() == nil {
		log.Warnf("transmission failed: %v", err)
		return
	}
	log.Debug("done")
}

func (s *Server) handshake(c *connection, log *logrus.Entry) error {
	// write some magic numbers
	err := c.WriteUint64(magicInit)
	if err != nil {
		return err
	}
	err = c.WriteUint64(magicOpt)
	if err != nil {
		return err
	}
	err = c.WriteUint16(flagFixedNewstyle | flagNoZeroes)
	if err != nil {
		return err
	}
	err = c.Flush()
	if err != nil {
		return err
	}

	clientFlags, err := c.ReadUint32()
	if err != nil {
		return err
	}
	if clientFlags&flagFixedNewstyle == 0 {
		return fmt.Errorf("unsupported client flags %#x", clientFlags)
	}
	noZeroes := clientFlags&flagNoZeroes != 0

	for {
		magic, err := c.ReadUint64()
		if err != nil {
			return err
		}
		if magic != magicOpt {
			return fmt.Errorf("bad option magic %#x", magic)
		}
		opt, err := c.ReadUint32()
		if err != nil {
			return err
		}
		l, err := c.ReadUint32()
		if err != nil {
			return err
		}
		if l > maxPayload {
			return fmt.Errorf("option %d too long: %d", opt, l)
		}
		data := make([]byte, l)
		err = c.ReadFull(data)
		if err != nil {
			return fmt.Errorf("unable to read option data: %w", err)
		}
		log.WithFields(logrus.Fields{"opt": opt, "length": l}).Debug("option")

		switch opt {
		case optExportName:
			if !s.exports(string(data)) {
				return fmt.Errorf("unknown export %q", data)
			}
			err = c.WriteUint64(uint64(s.dev.Size()))
			if err != nil {
				return err
			}
			err = c.WriteUint16(flagHasFlags | flagSendFlush)
			if err != nil {
				return err
			}
			if !noZeroes {
				err = c.Write(make([]byte, 124))
				if err != nil {
					return err
				}
			}
			return c.Flush()

		case optAbort:
			err = s.reply(c, opt, repAck, nil)
			if err != nil {
				return err
			}
			return errAbort

		case optInfo, optGo:
			name, err := parseInfoRequest(data)
			if err != nil {
				err = s.reply(c, opt, repErrUnsup, nil)
				if err != nil {
					return err
				}
				continue
			}
			if !s.exports(name) {
				err = s.reply(c, opt, repErrUnknown, nil)
				if err != nil {
					return err
				}
				continue
			}

			// NBD_INFO_EXPORT is always sent; other info requests are ignored
			info := make([]byte, 12)
			binary.BigEndian.PutUint16(info[0:], infoExport)
			binary.BigEndian.PutUint64(info[2:], uint64(s.dev.Size()))
			binary.BigEndian.PutUint16(info[10:], flagHasFlags|flagSendFlush)
			err = s.reply(c, opt, repInfo, info)
			if err != nil {
				return err
			}
			err = s.reply(c, opt, repAck, nil)
			if err != nil {
				return err
			}
			if opt == optGo {
				return nil
			}

		default:
			err = s.reply(c, opt, repErrUnsup, nil)
			if err != nil {
				return err
			}
		}
	}
}

func (s *Server) exports(name string) bool {
	return name == "" || name == s.name
}

// parseInfoRequest returns the export name from the data of NBD_OPT_INFO or
// NBD_OPT_GO.
func parseInfoRequest(data []byte) (string, error) {
	if len(data) < 6 {
		return "", fmt.Errorf("short info request")
	}
	l := binary.BigEndian.Uint32(data[:4])
	if uint64(len(data)) < 4+uint64(l)+2 {
		return "", fmt.Errorf("short info request")
	}
	name := string(data[4 : 4+l])
	n := binary.BigEndian.Uint16(data[4+l:])
	if uint64(len(data)) != 4+uint64(l)+2+2*uint64(n) {
		return "", fmt.Errorf("bad info request length")
	}
	return name, nil
}

func (s *Server) reply(c *connection, opt, typ uint32, data []byte) error {
	err := c.WriteUint64(magicReply)
	if err != nil {
		return err
	}
	err = c.WriteUint32(opt)
	if err != nil {
		return err
	}
	err = c.WriteUint32(typ)
	if err != nil {
		return err
	}
	err = c.WriteUint32(uint32(len(data)))
	if err != nil {
		return err
	}
	err = c.Write(data)
	if err != nil {
		return err
	}
	return c.Flush()
}

func (s *Server) transmit(ctx context.Context, c *connection, log *logrus.Entry) error {
	size := uint64(s.dev.Size())
	for {
		magic, err := c.ReadUint32()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if magic != magicRequest {
			return fmt.Errorf("bad request magic %#x", magic)
		}
		_, err = c.ReadUint16() // command flags
		if err != nil {
			return err
		}
		typ, err := c.ReadUint16()
		if err != nil {
			return err
		}
		handle, err := c.ReadUint64()
		if err != nil {
			return err
		}
		offset, err := c.ReadUint64()
		if err != nil {
			return err
		}
		length, err := c.ReadUint32()
		if err != nil {
			return err
		}
		rlog := log.WithFields(logrus.Fields{"cmd": typ, "offset": offset, "length": length})
		inBounds := offset <= size && uint64(length) <= size-offset

		switch typ {
		case cmdRead:
			if !inBounds || length > maxPayload {
				err = s.simpleReply(c, handle, errInval, nil)
				break
			}
			p := make([]byte, length)
			_, err = s.dev.ReadAt(ctx, p, int64(offset))
			if err != nil {
				rlog.Warnf("read failed: %v", err)
				err = s.simpleReply(c, handle, errIO, nil)
				break
			}
			err = s.simpleReply(c, handle, 0, p)

		case cmdWrite:
			if length > maxPayload {
				return fmt.Errorf("write of %d bytes is too large", length)
			}
			p := make([]byte, length)
			err = c.ReadFull(p)
			if err != nil {
				return err
			}
			if !inBounds {
				err = s.simpleReply(c, handle, errInval, nil)
				break
			}
			err = s.dev.WriteAt(ctx, p, int64(offset))
			if err != nil {
				rlog.Warnf("write failed: %v", err)
				err = s.simpleReply(c, handle, errIO, nil)
				break
			}
			err = s.simpleReply(c, handle, 0, nil)

		case cmdFlush:
			// writes are durable once acknowledged
			err = s.simpleReply(c, handle, 0, nil)

		case cmdDisc:
			return nil

		default:
			rlog.Debug("unsupported command")
			err = s.simpleReply(c, handle, errInval, nil)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) simpleReply(c *connection, handle uint64, errno uint32, data []byte) error {
	err := c.WriteUint32(magicSimpleRep)
	if err != nil {
		return err
	}
	err = c.WriteUint32(errno)
	if err != nil {
		return err
	}
	err = c.WriteUint64(handle)
	if err != nil {
		return err
	}
	if errno == 0 && len(data) > 0 {
		err = c.Write(data)
		if err != nil {
			return err
		}
	}
	return c.Flush()
}
