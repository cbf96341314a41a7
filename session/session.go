// Package session implements virtual files on top of three backends.
//
// A Session owns the descriptor table. Descriptors are handed out in
// increasing order per file name, while the blocks of a file are keyed by a
// digest of its name, so data written by one process can be read by the
// next.
//
// Consistency: writes to different blocks are independent. Two writers
// racing on the same block in one Session are serialized; across processes,
// and across the two replicas of a block, the last write to land wins and
// replicas are never reconciled.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/kochman/cloudraid"
	"github.com/kochman/cloudraid/block"
	"github.com/kochman/cloudraid/codec"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBlockSize is the size of a stored block, in representation
	// bytes.
	DefaultBlockSize = 4096

	DefaultDeleteTimeout = 2 * time.Minute
	DefaultDeletePoll    = 250 * time.Millisecond
)

type Session struct {
	backends      [3]cloudraid.Backend
	blockSize     int64
	deleteTimeout time.Duration
	deletePoll    time.Duration
	cacheTTL      time.Duration
	log           *logrus.Entry

	// cached blocks by id; nil when disabled
	cache *cache.Cache

	// descriptor table
	fl     sync.Mutex
	next   int
	byName map[string]int
	files  map[int]*descriptor

	// block locks
	bl sync.Mutex
	bm map[string]*blockLock
}

type descriptor struct {
	name   string
	layout block.Layout
	open   bool
}

type blockLock struct {
	sync.Mutex
	refs int
}

type Option func(*Session)

// WithBlockSize sets the stored block size. It must be a positive multiple
// of codec.Width.
func WithBlockSize(n int64) Option {
	return func(s *Session) {
		s.blockSize = n
	}
}

// WithDeleteTimeout bounds how long Delete waits for backends to converge.
// It must be positive.
func WithDeleteTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.deleteTimeout = d
	}
}

// WithDeletePoll sets the first wait between deletion sweeps. Later waits
// back off exponentially. It must be positive.
func WithDeletePoll(d time.Duration) Option {
	return func(s *Session) {
		s.deletePoll = d
	}
}

// WithCacheTTL keeps blocks read or written by this session in memory for
// d. Zero disables the cache.
func WithCacheTTL(d time.Duration) Option {
	return func(s *Session) {
		s.cacheTTL = d
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *Session) {
		s.log = log
	}
}

// New creates a session over exactly three backends. Their order is part
// of the on-storage format: placements refer to backends by position.
func New(backends []cloudraid.Backend, opts ...Option) (*Session, error) {
	if len(backends) != 3 {
		return nil, fmt.Errorf("need exactly 3 backends, got %d", len(backends))
	}
	s := &Session{
		blockSize:     DefaultBlockSize,
		deleteTimeout: DefaultDeleteTimeout,
		deletePoll:    DefaultDeletePoll,
		byName:        map[string]int{},
		files:         map[int]*descriptor{},
		bm:            map[string]*blockLock{},
	}
	for i, b := range backends {
		if b == nil {
			return nil, fmt.Errorf("backend %d is nil", i)
		}
		s.backends[i] = b
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.blockSize <= 0 || s.blockSize%codec.Width != 0 {
		return nil, fmt.Errorf("block size %d is not a positive multiple of %d", s.blockSize, codec.Width)
	}
	if s.deleteTimeout <= 0 {
		return nil, fmt.Errorf("delete timeout must be positive, got %v", s.deleteTimeout)
	}
	if s.deletePoll <= 0 {
		return nil, fmt.Errorf("delete poll interval must be positive, got %v", s.deletePoll)
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if s.cacheTTL > 0 {
		s.cache = cache.New(s.cacheTTL, 2*s.cacheTTL)
	}
	return s, nil
}

// BlockSize returns the stored block size in representation bytes.
func (s *Session) BlockSize() int64 {
	return s.blockSize
}

// Backends returns the backends in placement order.
func (s *Session) Backends() []cloudraid.Backend {
	return s.backends[:]
}

// Open returns the descriptor for name and marks it open. Opening an open
// file returns the same descriptor.
func (s *Session) Open(name string) int {
	s.fl.Lock()
	defer s.fl.Unlock()

	fd, ok := s.byName[name]
	if !ok {
		s.next++
		fd = s.next
		s.byName[name] = fd
		s.files[fd] = &descriptor{
			name:   name,
			layout: block.NewLayout(name, s.blockSize),
		}
	}
	s.files[fd].open = true
	s.log.WithFields(logrus.Fields{"fd": fd, "name": name}).Debug("open")
	return fd
}

// Close marks fd closed. Closing an unknown or closed descriptor does
// nothing.
func (s *Session) Close(fd int) {
	s.fl.Lock()
	defer s.fl.Unlock()

	if f, ok := s.files[fd]; ok {
		f.open = false
	}
}

// IsOpen reports whether fd refers to an open file.
func (s *Session) IsOpen(fd int) bool {
	_, ok := s.lookup(fd)
	return ok
}

// Shutdown closes every descriptor and drops cached blocks.
func (s *Session) Shutdown() {
	s.fl.Lock()
	for _, f := range s.files {
		f.open = false
	}
	s.fl.Unlock()
	if s.cache != nil {
		s.cache.Flush()
	}
}

// lookup returns the layout of fd if it is open.
func (s *Session) lookup(fd int) (block.Layout, bool) {
	s.fl.Lock()
	defer s.fl.Unlock()

	f, ok := s.files[fd]
	if !ok || !f.open {
		return block.Layout{}, false
	}
	return f.layout, true
}

func (s *Session) lockBlock(id string) {
	s.bl.Lock()
	l, ok := s.bm[id]
	if !ok {
		l = &blockLock{}
		s.bm[id] = l
	}
	l.refs++
	s.bl.Unlock()
	l.Lock()
}

func (s *Session) unlockBlock(id string) {
	s.bl.Lock()
	l := s.bm[id]
	l.refs--
	if l.refs == 0 {
		delete(s.bm, id)
	}
	s.bl.Unlock()
	l.Unlock()
}
