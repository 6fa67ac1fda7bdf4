// Package accountkv implements the CA's persistent token->accountId
// mapping (spec section 4.3.1 "looks up the token -> accountId in the
// persistent KV file"; section 5, "Persistent KV file (token->account):
// owned by the CA account manager, accessed from the event loop only").
// Grounded on original_source/realtime/accounts.py's LoadAccountFSM, which
// backs this mapping with a dbm file; here it is a flat append-only log
// loaded fully into memory at startup, in the spirit of go-server-3's
// config-file-backed components that read once and mutate in memory.
package accountkv

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Store maps a login play token to the account id it was first assigned.
type Store struct {
	mu   sync.Mutex
	path string
	byToken map[string]uint32
	file *os.File
}

// Open loads path (creating it if absent) into memory and keeps it open
// for append-only writes of new mappings.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("accountkv: open %s: %w", path, err)
	}
	s := &Store{path: path, byToken: make(map[string]uint32), file: f}
	if err := s.load(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(s.file)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			continue
		}
		s.byToken[parts[0]] = uint32(id)
	}
	_, err := s.file.Seek(0, 2)
	return err
}

// Lookup returns the accountId previously bound to token, if any.
func (s *Store) Lookup(token string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	return id, ok
}

// Bind persists a new token->accountId mapping. Calling it twice for the
// same token with a different accountId is a caller error; the first
// binding always wins on disk, matching the CA's single-writer contract.
func (s *Store) Bind(token string, accountId uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byToken[token]; ok {
		if existing != accountId {
			return fmt.Errorf("accountkv: token already bound to a different account")
		}
		return nil
	}
	line := fmt.Sprintf("%s\t%d\n", token, accountId)
	if _, err := s.file.WriteString(line); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.byToken[token] = accountId
	return nil
}

// Close flushes and releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
