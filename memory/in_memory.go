package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/hupe1980/agentrun/core"
)

// storedRecord is the internal representation indexed by InMemoryService. The
// digest identifies the source event so re-ingesting a session replaces
// rather than duplicates its records.
type storedRecord struct {
	digest    string
	sessionID string
	author    string
	content   string
	tokens    map[string]struct{}
}

type userIndex struct {
	// digest -> record, so consolidation of the same session is idempotent
	records map[string]storedRecord
	order   []string
}

// InMemoryService is a process-local core.MemoryService. Records are indexed
// per (app, user) and searched by case-insensitive keyword overlap: a record
// matches when it shares at least one token with the query, and results are
// ranked by the number of shared tokens. Suitable for tests and single
// process deployments; swap for a vector index for semantic retrieval.
type InMemoryService struct {
	mu    sync.RWMutex
	users map[string]*userIndex // "app/user" -> index
}

var _ core.MemoryService = (*InMemoryService)(nil)

// NewInMemoryService creates an empty memory service.
func NewInMemoryService() *InMemoryService {
	return &InMemoryService{users: make(map[string]*userIndex)}
}

// AddSessionToMemory derives one record per text-bearing conversational event
// and indexes them under the session's app and user. Calling it again for the
// same session leaves the index unchanged.
func (m *InMemoryService) AddSessionToMemory(sess *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.userIndexLocked(sess.Key.App, sess.Key.User)
	for _, ev := range sess.ConversationHistory() {
		text := ev.Text()
		if text == "" {
			continue
		}
		rec := storedRecord{
			digest:    contentDigest(sess.Key.ID, ev.Author, text),
			sessionID: sess.Key.ID,
			author:    ev.Author,
			content:   text,
			tokens:    tokenize(text),
		}
		if _, exists := idx.records[rec.digest]; exists {
			continue
		}
		idx.records[rec.digest] = rec
		idx.order = append(idx.order, rec.digest)
	}
	return nil
}

// Search ranks the user's records by keyword overlap with the query, best
// first. Records sharing no token with the query are omitted. limit <= 0
// means no cap.
func (m *InMemoryService) Search(app, user, query string, limit int) ([]core.MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.users[userKey(app, user)]
	if !ok {
		return []core.MemoryRecord{}, nil
	}

	queryTokens := tokenize(query)
	type scored struct {
		rec   storedRecord
		score float64
		pos   int
	}
	var hits []scored
	for pos, digest := range idx.order {
		rec := idx.records[digest]
		overlap := 0
		for tok := range queryTokens {
			if _, ok := rec.tokens[tok]; ok {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		hits = append(hits, scored{rec: rec, score: float64(overlap), pos: pos})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].pos < hits[j].pos
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	results := make([]core.MemoryRecord, 0, len(hits))
	for _, h := range hits {
		results = append(results, core.MemoryRecord{
			ID:        h.rec.digest,
			SessionID: h.rec.sessionID,
			Author:    h.rec.author,
			Content:   h.rec.content,
			Score:     h.score,
		})
	}
	return results, nil
}

func (m *InMemoryService) userIndexLocked(app, user string) *userIndex {
	key := userKey(app, user)
	idx, ok := m.users[key]
	if !ok {
		idx = &userIndex{records: make(map[string]storedRecord)}
		m.users[key] = idx
	}
	return idx
}

func userKey(app, user string) string { return app + "/" + user }

func contentDigest(sessionID, author, text string) string {
	h := sha256.Sum256([]byte(sessionID + "\x00" + author + "\x00" + text))
	return hex.EncodeToString(h[:])
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping short
// stop-like tokens that would cause spurious overlap.
func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if len(tok) < 3 {
			continue
		}
		tokens[tok] = struct{}{}
	}
	return tokens
}
