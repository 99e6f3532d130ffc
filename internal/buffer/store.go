package buffer

import (
	"sync"

	"github.com/vburojevic/traced/internal/domain"
)

// Store owns every trace buffer in the daemon and enforces a global memory
// budget across them.
type Store struct {
	mu        sync.Mutex
	buffers   map[domain.BufferID]*Buffer
	nextID    domain.BufferID
	maxBytes  int
	allocated int
	released  uint64
}

// NewStore creates a store. maxTotalKB of zero means unlimited.
func NewStore(maxTotalKB uint32) *Store {
	return &Store{
		buffers:  make(map[domain.BufferID]*Buffer),
		nextID:   1,
		maxBytes: int(maxTotalKB) * 1024,
	}
}

// Create allocates a new buffer.
func (s *Store) Create(cfg domain.BufferConfig) (domain.BufferID, error) {
	size := int(cfg.SizeKB) * 1024
	if size <= 0 {
		return 0, domain.Errorf(domain.CodeInvalidArgument, "buffer size must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(size, cfg.FillPolicy)
}

func (s *Store) createLocked(size int, policy domain.FillPolicy) (domain.BufferID, error) {
	if s.maxBytes > 0 && s.allocated+size > s.maxBytes {
		return 0, domain.Errorf(domain.CodeResourceExhausted,
			"buffer budget exhausted: %d of %d bytes allocated, %d requested", s.allocated, s.maxBytes, size)
	}
	id := s.nextID
	s.nextID++
	s.buffers[id] = newBuffer(id, size, policy)
	s.allocated += size
	return id, nil
}

// Get returns the buffer with the given id.
func (s *Store) Get(id domain.BufferID) (*Buffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[id]
	return b, ok
}

// Clone allocates a new buffer holding a copy of id's current contents.
func (s *Store) Clone(id domain.BufferID) (domain.BufferID, error) {
	s.mu.Lock()
	src, ok := s.buffers[id]
	if !ok {
		s.mu.Unlock()
		return 0, domain.Errorf(domain.CodeNotFound, "buffer %d not found", id)
	}
	newID, err := s.createLocked(src.capacity, src.policy)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	dst := s.buffers[newID]
	s.mu.Unlock()

	src.copyInto(dst)
	return newID, nil
}

// Release frees a buffer. Releasing an unknown or already released buffer
// is a no-op and reports false.
func (s *Store) Release(id domain.BufferID) bool {
	s.mu.Lock()
	b, ok := s.buffers[id]
	if ok {
		delete(s.buffers, id)
		s.allocated -= b.capacity
		s.released++
	}
	s.mu.Unlock()

	if ok {
		b.close()
	}
	return ok
}

// Released returns how many buffers have been released so far.
func (s *Store) Released() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Live returns the number of allocated buffers.
func (s *Store) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}
