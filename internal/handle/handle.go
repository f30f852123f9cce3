// Package handle implements the file-handle store: an allocator of
// opaque tokens backed by a tagged union of file and directory handle
// variants, grounded on the teacher's per-open-file tracking tables but
// reshaped around the two concrete handle kinds this filesystem needs.
package handle

import (
	"os"
	"sync"

	"github.com/paul-chambers/templatefs/internal/fserrors"
)

// Kind tags which variant a Handle currently holds.
type Kind int

const (
	// KindFile backs a plain passthrough file, or a template being
	// rendered or executed.
	KindFile Kind = iota
	// KindDir backs an open directory stream.
	KindDir
)

// FileVariant is the payload for a file handle: the open lower-tree
// descriptor (nil for a template being synthesized on the fly) and
// whether the path resolved to a template.
type FileVariant struct {
	File       *os.File
	IsTemplate bool
	// Rendered holds synthesized content for a template file, produced
	// once at open time and served out of by subsequent reads.
	Rendered []byte
}

// DirVariant is the payload for a directory handle: the open stream and
// the seek/entry bookkeeping readdir needs across calls.
type DirVariant struct {
	Dir     *os.File
	Entries []os.DirEntry
	Offset  int
}

// Handle is a tagged union: exactly one of File/Dir is meaningful,
// selected by Kind. This mirrors a C union with a discriminant field
// using Go's idiom of a tag plus separate payload pointers instead of
// unsafe memory aliasing.
type Handle struct {
	Kind Kind
	File *FileVariant
	Dir  *DirVariant
}

// Store allocates and tracks Handles behind opaque uint64 tokens, the
// Go equivalent of returning a pointer-sized fh value to the kernel.
type Store struct {
	mu      sync.Mutex
	next    uint64
	handles map[uint64]*Handle
}

// NewStore creates an empty handle store.
func NewStore() *Store {
	return &Store{handles: make(map[uint64]*Handle)}
}

// AllocateFile stores v as a new file handle and returns its token.
func (s *Store) AllocateFile(v *FileVariant) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	token := s.next
	s.handles[token] = &Handle{Kind: KindFile, File: v}
	return token
}

// AllocateDir stores v as a new directory handle and returns its token.
func (s *Store) AllocateDir(v *DirVariant) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	token := s.next
	s.handles[token] = &Handle{Kind: KindDir, Dir: v}
	return token
}

// GetFile retrieves the file variant for token, failing with
// CodeWrongVariant if the token names a directory handle instead.
func (s *Store) GetFile(token uint64) (*FileVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[token]
	if !ok {
		return nil, fserrors.New(fserrors.CodeNoHandle, "no such handle").
			WithComponent("handle").WithOperation("get_file_handle").
			WithDetail("token", token)
	}
	if h.Kind != KindFile {
		return nil, fserrors.New(fserrors.CodeWrongVariant, "handle is not a file handle").
			WithComponent("handle").WithOperation("get_file_handle").
			WithDetail("token", token)
	}
	return h.File, nil
}

// GetDir retrieves the directory variant for token, failing with
// CodeWrongVariant if the token names a file handle instead.
func (s *Store) GetDir(token uint64) (*DirVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[token]
	if !ok {
		return nil, fserrors.New(fserrors.CodeNoHandle, "no such handle").
			WithComponent("handle").WithOperation("get_dir_handle").
			WithDetail("token", token)
	}
	if h.Kind != KindDir {
		return nil, fserrors.New(fserrors.CodeWrongVariant, "handle is not a directory handle").
			WithComponent("handle").WithOperation("get_dir_handle").
			WithDetail("token", token)
	}
	return h.Dir, nil
}

// Release closes the underlying descriptor (if any) and forgets token.
// Releasing an unknown token is a no-op: the kernel is allowed to call
// release after a failed open, and double-release must not panic.
func (s *Store) Release(token uint64) error {
	s.mu.Lock()
	h, ok := s.handles[token]
	if ok {
		delete(s.handles, token)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	switch h.Kind {
	case KindFile:
		if h.File != nil && h.File.File != nil {
			return h.File.File.Close()
		}
	case KindDir:
		if h.Dir != nil && h.Dir.Dir != nil {
			return h.Dir.Dir.Close()
		}
	}
	return nil
}

// Len reports the number of live handles, for tests and diagnostics.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
