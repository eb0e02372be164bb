// Package client implements the store proxy that business managers are
// built on. A Store keeps a local read cache per record type, kept
// coherent through the server's change journal, and tracks the locks it
// has acquired so a closing view can release them all at once.
package client

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"ledgerstore/internal/models"
	"ledgerstore/internal/protocol"
	"ledgerstore/internal/secure"
)

// DefaultTimeout bounds the connect, write and read of one exchange.
const DefaultTimeout = 15 * time.Second

var (
	// ErrUnauthorized reports failed authentication or a missing access
	// right; the server does not say which.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrLocked reports a lock conflict: the record is held by another
	// user. Not fatal; retry or inform the user.
	ErrLocked = errors.New("record locked by another user")
	// ErrUnavailable reports a server-side backend failure.
	ErrUnavailable = errors.New("store unavailable")
)

// Config holds the connection settings of a Store.
type Config struct {
	// Addr is the server's TCP address.
	Addr string
	// Username identifies this client on the wire.
	Username string
	// Secret is the wire secret issued at account setup.
	Secret string
	// ExtendedKey selects 256-bit keys.
	ExtendedKey bool
	// Timeout defaults to DefaultTimeout when zero.
	Timeout time.Duration
}

// Store is a typed proxy over the remote record store. A mutex guards
// the cache and the tracked lock set, so a Store may be shared, but
// calls are serialized: one exchange is in flight at a time.
type Store[T models.Record] struct {
	cfg       Config
	codec     *secure.Codec
	salt      []byte
	typeName  string
	newRecord func() T

	mu           sync.Mutex
	cache        map[string]T
	warm         bool
	lastChangeID int64
	locked       map[string]struct{}
}

// New creates a Store for the record type produced by newRecord.
func New[T models.Record](cfg Config, newRecord func() T) (*Store[T], error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	salt, err := secure.NewSalt()
	if err != nil {
		return nil, err
	}
	return &Store[T]{
		cfg:       cfg,
		codec:     secure.NewCodec(),
		salt:      salt,
		typeName:  newRecord().TypeName(),
		newRecord: newRecord,
		cache:     make(map[string]T),
		locked:    make(map[string]struct{}),
	}, nil
}

// call runs one request/response exchange over a fresh connection.
func (s *Store[T]) call(plaintext string) (string, error) {
	env, err := s.codec.Encrypt(s.cfg.Username, []byte(plaintext), s.cfg.Secret, s.salt, s.cfg.ExtendedKey)
	if err != nil {
		return "", fmt.Errorf("encrypt request: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	conn, err := net.DialTimeout("tcp", s.cfg.Addr, s.cfg.Timeout)
	if err != nil {
		return "", fmt.Errorf("connect to store: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Timeout))

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read response: %w", err)
	}
	line = strings.TrimRight(line, "\n")

	// Pre-authentication rejections arrive in the clear.
	if line == protocol.StatusUnauthorized {
		return "", ErrUnauthorized
	}

	var resp models.SecureMessage
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return "", fmt.Errorf("decode response envelope: %w", err)
	}
	body, err := s.codec.Decrypt(&resp, s.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("decrypt response: %w", err)
	}
	return string(body), nil
}

// checkStatus maps response codes shared by several verbs to errors.
func checkStatus(resp string) error {
	switch resp {
	case protocol.StatusUnauthorized:
		return ErrUnauthorized
	case protocol.StatusUnavailable:
		return ErrUnavailable
	case protocol.StatusRejected:
		return ErrLocked
	}
	return nil
}

// Get fetches one record. The server reserves the record for this
// client unless another user holds it, in which case the returned
// record's locked flag is set. A missing record is reported as
// ok == false, not as an error.
func (s *Store[T]) Get(id string) (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	resp, err := s.call(protocol.Join(protocol.VerbGet, s.typeName, id))
	if err != nil {
		return zero, false, err
	}
	if resp == protocol.StatusNotFound {
		return zero, false, nil
	}
	if err := checkStatus(resp); err != nil {
		return zero, false, err
	}

	rec := s.newRecord()
	if err := json.Unmarshal([]byte(resp), rec); err != nil {
		return zero, false, fmt.Errorf("decode record: %w", err)
	}
	if !rec.Locked() {
		s.locked[id] = struct{}{}
	}
	s.cache[id] = rec
	return rec, true, nil
}

// Put stores a record and returns the change id the server assigned.
// The local cache is updated optimistically only when the id is exactly
// one ahead of the last seen change; otherwise this client is behind
// and the next Values call reconciles through the journal.
func (s *Store[T]) Put(rec T) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode record: %w", err)
	}
	resp, err := s.call(protocol.Join(protocol.VerbPut, s.typeName, string(payload)))
	if err != nil {
		return 0, err
	}
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	changeID, err := strconv.ParseInt(resp, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected put response %q", resp)
	}

	if s.warm && changeID == s.lastChangeID+1 {
		s.cache[rec.ID()] = rec
		s.lastChangeID = changeID
	}
	return changeID, nil
}

// Values returns every record of the store's type. The first call
// fetches the full collection and primes the journal cursor; later
// calls only re-fetch the ids the journal reports as changed.
func (s *Store[T]) Values() ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.warm {
		if err := s.primeCache(); err != nil {
			return nil, err
		}
	} else if err := s.refreshCache(); err != nil {
		return nil, err
	}

	out := make([]T, 0, len(s.cache))
	for _, rec := range s.cache {
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store[T]) primeCache() error {
	// The cursor is read before the collection: a change landing in
	// between is re-applied by the next refresh, never lost.
	latest, err := s.journalSize()
	if err != nil {
		return err
	}
	records, err := s.fetchAll()
	if err != nil {
		return err
	}

	s.cache = make(map[string]T, len(records))
	for _, rec := range records {
		s.cache[rec.ID()] = rec
	}
	s.lastChangeID = latest
	s.warm = true
	return nil
}

func (s *Store[T]) refreshCache() error {
	resp, err := s.call(protocol.Join(protocol.VerbReadJournal, strconv.FormatInt(s.lastChangeID, 10)))
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	var changes []models.ChangeRecord
	if err := json.Unmarshal([]byte(resp), &changes); err != nil {
		return fmt.Errorf("decode journal: %w", err)
	}
	if len(changes) == 0 {
		return nil
	}

	var ids []string
	seen := make(map[string]struct{})
	for _, c := range changes {
		if c.Type != s.typeName {
			continue
		}
		if _, ok := seen[c.ObjectID]; ok {
			continue
		}
		seen[c.ObjectID] = struct{}{}
		ids = append(ids, c.ObjectID)
	}

	if len(ids) > 0 {
		// QUERY instead of GET: a refresh must not acquire read locks.
		changed, err := s.refetch(ids)
		if err != nil {
			return err
		}
		for _, rec := range changed {
			s.cache[rec.ID()] = rec
		}
	}
	s.lastChangeID = changes[len(changes)-1].ChangeID
	return nil
}

// refetch fetches the given ids in one ad-hoc query, id = a OR
// id = b OR ...
func (s *Store[T]) refetch(ids []string) ([]T, error) {
	keys := make([]string, len(ids))
	ops := make([]string, len(ids))
	var conjunctions []string
	for i := range ids {
		keys[i] = "id"
		ops[i] = "="
		if i > 0 {
			conjunctions = append(conjunctions, "OR")
		}
	}
	return s.getWhere(keys, ops, ids, conjunctions, false)
}

func (s *Store[T]) fetchAll() ([]T, error) {
	resp, err := s.call(protocol.Join(protocol.VerbGet, s.typeName, protocol.AllRecords))
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return s.decodeList(resp)
}

func (s *Store[T]) decodeList(resp string) ([]T, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(resp), &raws); err != nil {
		return nil, fmt.Errorf("decode record list: %w", err)
	}
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		rec := s.newRecord()
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetWhere runs an ad-hoc filtered query. With lockAll, every returned
// record not held by another user is locked for this client.
func (s *Store[T]) GetWhere(keys, ops, values, conjunctions []string, lockAll bool) ([]T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getWhere(keys, ops, values, conjunctions, lockAll)
}

func (s *Store[T]) getWhere(keys, ops, values, conjunctions []string, lockAll bool) ([]T, error) {
	sep := protocol.ListSeparator
	resp, err := s.call(protocol.Join(protocol.VerbQuery, s.typeName,
		strings.Join(keys, sep),
		strings.Join(ops, sep),
		strings.Join(values, sep),
		strings.Join(conjunctions, sep),
		strconv.FormatBool(lockAll),
	))
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	records, err := s.decodeList(resp)
	if err != nil {
		return nil, err
	}
	if lockAll {
		for _, rec := range records {
			if !rec.Locked() {
				s.locked[rec.ID()] = struct{}{}
			}
		}
	}
	return records, nil
}

// Remove deletes a record this client holds the lock for.
func (s *Store[T]) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.call(protocol.Join(protocol.VerbRemove, s.typeName, id))
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	delete(s.cache, id)
	delete(s.locked, id)
	return nil
}

// Size returns the number of records of the store's type.
func (s *Store[T]) Size() (int64, error) {
	resp, err := s.call(protocol.Join(protocol.VerbSize, s.typeName))
	if err != nil {
		return 0, err
	}
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(resp, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected size response %q", resp)
	}
	return n, nil
}

// TryLock explicitly reserves a record. It returns true when this
// client holds the lock afterwards, whether newly acquired or already
// held, and false when another user holds it.
func (s *Store[T]) TryLock(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.call(protocol.Join(protocol.VerbLock, s.typeName, id))
	if err != nil {
		return false, err
	}
	switch resp {
	case protocol.StatusOK, protocol.StatusLockHeld:
		s.locked[id] = struct{}{}
		return true, nil
	case protocol.StatusRejected:
		return false, nil
	}
	if err := checkStatus(resp); err != nil {
		return false, err
	}
	return false, fmt.Errorf("unexpected lock response %q", resp)
}

// ReleaseLock releases a record this client reserved.
func (s *Store[T]) ReleaseLock(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLock(id)
}

func (s *Store[T]) releaseLock(id string) error {
	resp, err := s.call(protocol.Join(protocol.VerbRelease, s.typeName, id))
	if err != nil {
		return err
	}
	if resp != protocol.StatusOK {
		if err := checkStatus(resp); err != nil {
			return err
		}
		return fmt.Errorf("unexpected release response %q", resp)
	}
	delete(s.locked, id)
	return nil
}

// ReleaseAllLocks releases every lock this client is tracking, best
// effort. Meant to be called when a view or window closes.
func (s *Store[T]) ReleaseAllLocks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.locked {
		_ = s.releaseLock(id)
	}
}

// JournalSize returns the server's latest change id.
func (s *Store[T]) JournalSize() (int64, error) {
	return s.journalSize()
}

func (s *Store[T]) journalSize() (int64, error) {
	resp, err := s.call(protocol.Join(protocol.VerbReadJournal, protocol.JournalSize))
	if err != nil {
		return 0, err
	}
	if err := checkStatus(resp); err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(resp, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected journal size response %q", resp)
	}
	return n, nil
}
