// Package resolver pairs upstream candidates with persisted market records.
//
// The external id is the primary key. Identifiers stored under legacy-cased or
// generic keys by older importers, and free-text question matching, are
// best-effort fallbacks and every use is logged with the path taken.
package resolver

import (
	"sort"
	"strings"

	"github.com/rewired-gh/polycal/internal/logger"
	"github.com/rewired-gh/polycal/internal/models"
	"github.com/rewired-gh/polycal/internal/normalizer"
)

// MatchPath names how a record was keyed.
type MatchPath string

const (
	PathExternalID MatchPath = "external_id"
	PathLegacyID   MatchPath = "legacy_id"
	PathGenericID  MatchPath = "generic_id"
	PathTitle      MatchPath = "title"
)

// Options configures the resolver.
type Options struct {
	// TitleFallback enables case-insensitive question/title matching for records without any external id.
	TitleFallback bool
}

type entry struct {
	record *models.MarketRecord
	path   MatchPath
}

// Index is a lookup over persisted records built once per reconciliation cycle.
type Index struct {
	byID      map[string]entry
	byTitle   map[string]*models.MarketRecord
	ambiguous map[string]bool
	matchable int
	skipped   int
	opts      Options
}

// NewIndex builds the lookup. When two records claim the same external id the
// one keyed by the higher-priority path wins.
func NewIndex(records []*models.MarketRecord, opts Options) *Index {
	idx := &Index{
		byID:      make(map[string]entry),
		byTitle:   make(map[string]*models.MarketRecord),
		ambiguous: make(map[string]bool),
		opts:      opts,
	}
	for _, rec := range records {
		key, path := ExternalKey(rec)
		if key == "" {
			if opts.TitleFallback && (rec.Question != "" || rec.Title != "") {
				idx.addTitle(rec)
				idx.matchable++
			} else {
				idx.skipped++
			}
			continue
		}
		if prev, exists := idx.byID[key]; exists {
			if rank(prev.path) <= rank(path) {
				logger.Warn("External id %s claimed by %s and %s; keeping %s", key, prev.record.LocalID, rec.LocalID, prev.record.LocalID)
				continue
			}
			logger.Warn("External id %s claimed by %s and %s; keeping %s", key, prev.record.LocalID, rec.LocalID, rec.LocalID)
		}
		if path != PathExternalID {
			logger.Debug("Record %s keyed by %s fallback (%s)", rec.LocalID, path, key)
		}
		if _, exists := idx.byID[key]; !exists {
			idx.matchable++
		}
		idx.byID[key] = entry{record: rec, path: path}
	}
	return idx
}

func rank(p MatchPath) int {
	switch p {
	case PathExternalID:
		return 0
	case PathLegacyID:
		return 1
	case PathGenericID:
		return 2
	default:
		return 3
	}
}

// ExternalKey returns the upstream identifier carried by rec and the key path it came from.
func ExternalKey(rec *models.MarketRecord) (string, MatchPath) {
	if id := strings.TrimSpace(rec.ExternalID); id != "" {
		return id, PathExternalID
	}
	for _, k := range []string{models.ExtraLegacyExternalID, models.ExtraLegacyExternalIDAlt} {
		if id := rec.ExtraString(k); id != "" {
			return id, PathLegacyID
		}
	}
	for _, k := range []string{models.ExtraGenericID, models.ExtraGenericIDAlt} {
		if id := rec.ExtraString(k); id != "" {
			return id, PathGenericID
		}
	}
	return "", ""
}

func titleKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (idx *Index) addTitle(rec *models.MarketRecord) {
	keys := map[string]bool{}
	if rec.Question != "" {
		keys[titleKey(rec.Question)] = true
	}
	if rec.Title != "" {
		keys[titleKey(rec.Title)] = true
	}
	for k := range keys {
		if other, exists := idx.byTitle[k]; exists && other != rec {
			idx.ambiguous[k] = true
			continue
		}
		idx.byTitle[k] = rec
	}
}

// Known reports whether an upstream market can be paired with a persisted record.
func (idx *Index) Known(externalID, question string) bool {
	if _, ok := idx.byID[externalID]; ok {
		return true
	}
	if !idx.opts.TitleFallback || question == "" {
		return false
	}
	k := titleKey(question)
	_, ok := idx.byTitle[k]
	return ok && !idx.ambiguous[k]
}

// Match returns the persisted record for c.
func (idx *Index) Match(c normalizer.Candidate) (*models.MarketRecord, MatchPath, bool) {
	if e, ok := idx.byID[c.ExternalID]; ok {
		return e.record, e.path, true
	}
	if !idx.opts.TitleFallback || c.Question == "" {
		return nil, "", false
	}
	k := titleKey(c.Question)
	if idx.ambiguous[k] {
		logger.Warn("Title fallback for upstream %s is ambiguous (%q); skipping", c.ExternalID, c.Question)
		return nil, "", false
	}
	rec, ok := idx.byTitle[k]
	if !ok {
		return nil, "", false
	}
	logger.Warn("Matched upstream %s to %s by title fallback (%q)", c.ExternalID, rec.LocalID, c.Question)
	return rec, PathTitle, true
}

// ExternalIDs returns every resolvable external id, sorted.
func (idx *Index) ExternalIDs() []string {
	ids := make([]string, 0, len(idx.byID))
	for id := range idx.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of records reachable by id or title.
func (idx *Index) Len() int {
	return idx.matchable
}

// Skipped is the number of records with no upstream identity.
func (idx *Index) Skipped() int {
	return idx.skipped
}

var _ normalizer.KnownSet = (*Index)(nil)
