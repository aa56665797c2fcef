// Package knowledge is a small LevelDB-backed note index with an inverted
// term index for search. Agents dump findings here; later searches pull
// them back by keyword.
package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key scheme:
//
//	note|<id>          → Note JSON
//	term|<token>|<id>  → nil (inverted index)
const (
	prefixNote = "note|"
	prefixTerm = "term|"
)

// DefaultSearchLimit applies when Search gets limit <= 0.
const DefaultSearchLimit = 10

// ErrNoteNotFound is returned for unknown note ids.
var ErrNoteNotFound = errors.New("note not found")

// Note is one indexed knowledge entry.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags,omitempty"`
	Account   string    `json:"account,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Match is one search hit with its term-overlap score.
type Match struct {
	Note  Note `json:"note"`
	Score int  `json:"score"`
}

// Index is the LevelDB-backed knowledge store.
type Index struct {
	mu sync.Mutex
	db *leveldb.DB
}

// Open opens (or creates) the knowledge database at path.
func Open(path string) (*Index, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the database.
func (x *Index) Close() error {
	return x.db.Close()
}

// Put indexes a note. ID and CreatedAt are assigned when absent; terms
// come from title, body and tags.
func (x *Index) Put(n Note) (Note, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return Note{}, err
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixNote+n.ID), data)
	for _, tok := range noteTokens(n) {
		batch.Put(termKey(tok, n.ID), nil)
	}
	if err := x.db.Write(batch, nil); err != nil {
		return Note{}, fmt.Errorf("persist note: %w", err)
	}
	return n, nil
}

// Get returns one note by id.
func (x *Index) Get(id string) (Note, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.getNote(id)
}

// Search tokenizes the query and returns notes ranked by how many query
// terms they contain, most-matching first, ties broken newest-first.
func (x *Index) Search(query string, limit int) ([]Match, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	counts := make(map[string]int)
	for _, tok := range dedupe(tokens) {
		iter := x.db.NewIterator(util.BytesPrefix([]byte(prefixTerm+tok+"|")), nil)
		for iter.Next() {
			id := string(iter.Key())[len(prefixTerm)+len(tok)+1:]
			counts[id]++
		}
		err := iter.Error()
		iter.Release()
		if err != nil {
			return nil, err
		}
	}

	matches := make([]Match, 0, len(counts))
	for id, score := range counts {
		n, err := x.getNote(id)
		if err != nil {
			continue
		}
		matches = append(matches, Match{Note: n, Score: score})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Note.CreatedAt.After(matches[j].Note.CreatedAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (x *Index) getNote(id string) (Note, error) {
	data, err := x.db.Get([]byte(prefixNote+id), nil)
	if err != nil {
		if errors.Is(err, ldberrors.ErrNotFound) {
			return Note{}, ErrNoteNotFound
		}
		return Note{}, err
	}
	var n Note
	if err := json.Unmarshal(data, &n); err != nil {
		return Note{}, err
	}
	return n, nil
}

// Tokenize splits text into lowercase alphanumeric runs of at least two
// characters.
func Tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() >= 2 {
			tokens = append(tokens, cur.String())
		}
		cur.Reset()
	}
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}

func noteTokens(n Note) []string {
	text := n.Title + " " + n.Body + " " + strings.Join(n.Tags, " ")
	return dedupe(Tokenize(text))
}

func dedupe(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func termKey(token, id string) []byte {
	return []byte(prefixTerm + token + "|" + id)
}
