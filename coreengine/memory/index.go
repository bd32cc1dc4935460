package memory

import (
	"sort"
	"strings"
	"unicode"
)

// tagPrefix marks tag tokens in the index so they never collide with words.
const tagPrefix = "#"

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"was": true, "with": true, "this": true, "that": true,
}

// tokenize lowercases s and splits it into distinct index terms.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func normalizeTag(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// entryTerms returns the index terms of an entry, sorted.
func entryTerms(e *Entry) []string {
	terms := tokenize(e.Title + " " + e.Body)
	seen := make(map[string]bool, len(terms)+len(e.Tags))
	for _, t := range terms {
		seen[t] = true
	}
	for _, tag := range e.Tags {
		if tag = normalizeTag(tag); tag != "" && !seen[tagPrefix+tag] {
			seen[tagPrefix+tag] = true
			terms = append(terms, tagPrefix+tag)
		}
	}
	sort.Strings(terms)
	return terms
}

// IndexPartition is the persisted, derived index of one category.
// Postings hold sequence numbers in ascending order.
type IndexPartition struct {
	Postings map[string][]uint64
	Entries  int
	LastSeq  uint64
}

// buildPartition derives the index of a log from scratch.
func buildPartition(entries []*Entry) IndexPartition {
	part := IndexPartition{Postings: make(map[string][]uint64)}
	for _, e := range entries {
		for _, term := range entryTerms(e) {
			part.Postings[term] = append(part.Postings[term], e.Seq)
		}
		part.Entries++
		part.LastSeq = e.Seq
	}
	return part
}

// consistentWith checks the partition against its log.
func (p IndexPartition) consistentWith(c Category, entries []*Entry) error {
	var lastSeq uint64
	if n := len(entries); n > 0 {
		lastSeq = entries[n-1].Seq
	}
	bad := p.Entries != len(entries) || p.LastSeq != lastSeq
	if !bad {
		for _, seqs := range p.Postings {
			for _, s := range seqs {
				if s == 0 || s > lastSeq {
					bad = true
					break
				}
			}
			if bad {
				break
			}
		}
	}
	if bad {
		return &IndexInconsistentError{
			Category:     c,
			LogEntries:   len(entries),
			IndexEntries: p.Entries,
			LogLastSeq:   lastSeq,
			IndexLastSeq: p.LastSeq,
		}
	}
	return nil
}
