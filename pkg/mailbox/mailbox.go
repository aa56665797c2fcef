// Package mailbox stores agent-to-agent messages and handoff records in
// LevelDB. The daemon is the single writer; LevelDB holds the directory
// lock for the process lifetime.
package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key scheme — "|" separates parts, so "|" in accounts and task ids is
// replaced with "_" before keying.
//
//	msg|<account>|<seq>    → Message JSON (inbox rows, seq ascending)
//	unread|<account>       → decimal unread count
//	hand|<task>|<seq>      → handoff id (per-task history, seq ascending)
//	hand#id|<id>           → Handoff JSON (primary record)
//	hand#ws|<ws>|<branch>  → handoff id (latest for a workspace/branch)
//	seq|<scope>            → decimal last sequence number
const (
	prefixMsg      = "msg|"
	prefixUnread   = "unread|"
	prefixHandTask = "hand|"
	prefixHandID   = "hand#id|"
	prefixHandWS   = "hand#ws|"
	prefixSeq      = "seq|"
)

// Sentinel errors.
var (
	ErrMessageNotFound = errors.New("message not found")
	ErrHandoffNotFound = errors.New("handoff not found")
)

// Message is one mailbox row.
type Message struct {
	ID        string     `json:"id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	Body      string     `json:"body"`
	TaskID    string     `json:"taskId,omitempty"`
	HandoffID string     `json:"handoffId,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// Handoff is one delegation record. Content is the delegation payload as
// an opaque JSON string; the acceptance runner parses it tolerantly.
type Handoff struct {
	ID            string         `json:"id"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	TaskID        string         `json:"taskId,omitempty"`
	Content       string         `json:"content"`
	Context       map[string]any `json:"context,omitempty"`
	WorkspacePath string         `json:"workspacePath,omitempty"`
	Branch        string         `json:"branch,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ReadOptions controls Read.
type ReadOptions struct {
	// Limit caps the number of returned messages; <= 0 means all.
	Limit int

	// MarkRead stamps ReadAt on returned unread messages and adjusts the
	// unread counter.
	MarkRead bool
}

// Store is the LevelDB-backed mailbox.
type Store struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open opens (or creates) the mailbox database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open mailbox db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Send stores a message for the recipient and bumps their unread count.
// ID and Timestamp are assigned when absent.
func (s *Store) Send(msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}

	seq, err := s.nextSeq("m|" + safeKeyPart(msg.To))
	if err != nil {
		return Message{}, err
	}
	unread, err := s.unreadCount(msg.To)
	if err != nil {
		return Message{}, err
	}

	batch := new(leveldb.Batch)
	batch.Put(msgKey(msg.To, seq), data)
	batch.Put(unreadKey(msg.To), []byte(strconv.Itoa(unread+1)))
	if err := s.db.Write(batch, nil); err != nil {
		return Message{}, fmt.Errorf("persist message: %w", err)
	}
	return msg, nil
}

// CountUnread returns the recipient's unread count.
func (s *Store) CountUnread(account string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unreadCount(account)
}

// Read returns the account's messages oldest-first, optionally marking
// them read.
func (s *Store) Read(account string, opts ReadOptions) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixMsg+safeKeyPart(account)+"|")), nil)
	defer iter.Release()

	now := time.Now().UTC()
	var out []Message
	markedRead := 0
	batch := new(leveldb.Batch)
	for iter.Next() {
		var msg Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			continue
		}
		if opts.MarkRead && msg.ReadAt == nil {
			stamp := now
			msg.ReadAt = &stamp
			data, err := json.Marshal(msg)
			if err != nil {
				return nil, err
			}
			batch.Put(append([]byte(nil), iter.Key()...), data)
			markedRead++
		}
		out = append(out, msg)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if markedRead > 0 {
		unread, err := s.unreadCount(account)
		if err != nil {
			return nil, err
		}
		unread -= markedRead
		if unread < 0 {
			unread = 0
		}
		batch.Put(unreadKey(account), []byte(strconv.Itoa(unread)))
	}
	if batch.Len() > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return nil, fmt.Errorf("mark messages read: %w", err)
		}
	}
	return out, nil
}

// PutHandoff stores a handoff record, indexed by task and, when the
// record names one, by workspace/branch. ID and Timestamp are assigned
// when absent.
func (s *Store) PutHandoff(rec Handoff) (Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Handoff{}, err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixHandID+rec.ID), data)
	if rec.TaskID != "" {
		seq, err := s.nextSeq("h|" + safeKeyPart(rec.TaskID))
		if err != nil {
			return Handoff{}, err
		}
		batch.Put(handTaskKey(rec.TaskID, seq), []byte(rec.ID))
	}
	if rec.WorkspacePath != "" && rec.Branch != "" {
		batch.Put(handWSKey(rec.WorkspacePath, rec.Branch), []byte(rec.ID))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return Handoff{}, fmt.Errorf("persist handoff: %w", err)
	}
	return rec, nil
}

// GetHandoff returns one handoff by id.
func (s *Store) GetHandoff(id string) (Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getHandoff(id)
}

// LatestHandoff returns the most recent handoff recorded for the task.
func (s *Store) LatestHandoff(taskID string) (Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixHandTask+safeKeyPart(taskID)+"|")), nil)
	defer iter.Release()

	var latestID string
	for iter.Next() {
		latestID = string(iter.Value())
	}
	if err := iter.Error(); err != nil {
		return Handoff{}, err
	}
	if latestID == "" {
		return Handoff{}, ErrHandoffNotFound
	}
	return s.getHandoff(latestID)
}

// LatestHandoffForWorkspace returns the most recent handoff recorded
// against the workspace/branch pair.
func (s *Store) LatestHandoffForWorkspace(workspacePath, branch string) (Handoff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.db.Get(handWSKey(workspacePath, branch), nil)
	if err != nil {
		if errors.Is(err, ldberrors.ErrNotFound) {
			return Handoff{}, ErrHandoffNotFound
		}
		return Handoff{}, err
	}
	return s.getHandoff(string(id))
}

func (s *Store) getHandoff(id string) (Handoff, error) {
	data, err := s.db.Get([]byte(prefixHandID+id), nil)
	if err != nil {
		if errors.Is(err, ldberrors.ErrNotFound) {
			return Handoff{}, ErrHandoffNotFound
		}
		return Handoff{}, err
	}
	var rec Handoff
	if err := json.Unmarshal(data, &rec); err != nil {
		return Handoff{}, err
	}
	return rec, nil
}

func (s *Store) unreadCount(account string) (int, error) {
	data, err := s.db.Get(unreadKey(account), nil)
	if err != nil {
		if errors.Is(err, ldberrors.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// nextSeq bumps and returns the counter for scope. Callers hold s.mu, so
// read-increment-write is safe.
func (s *Store) nextSeq(scope string) (uint64, error) {
	key := []byte(prefixSeq + scope)
	var last uint64
	if data, err := s.db.Get(key, nil); err == nil {
		last, _ = strconv.ParseUint(string(data), 10, 64)
	} else if !errors.Is(err, ldberrors.ErrNotFound) {
		return 0, err
	}
	next := last + 1
	if err := s.db.Put(key, []byte(strconv.FormatUint(next, 10)), nil); err != nil {
		return 0, err
	}
	return next, nil
}

// Fixed-width sequence numbers keep lexicographic key order numeric.
func seqPart(seq uint64) string { return fmt.Sprintf("%012d", seq) }

func msgKey(account string, seq uint64) []byte {
	return []byte(prefixMsg + safeKeyPart(account) + "|" + seqPart(seq))
}

func unreadKey(account string) []byte {
	return []byte(prefixUnread + safeKeyPart(account))
}

func handTaskKey(taskID string, seq uint64) []byte {
	return []byte(prefixHandTask + safeKeyPart(taskID) + "|" + seqPart(seq))
}

func handWSKey(workspacePath, branch string) []byte {
	return []byte(prefixHandWS + safeKeyPart(workspacePath) + "|" + safeKeyPart(branch))
}

func safeKeyPart(s string) string {
	return strings.ReplaceAll(s, "|", "_")
}
