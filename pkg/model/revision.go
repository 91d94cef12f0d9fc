package model

import (
	"sort"
	"strconv"
	"strings"
)

// Revision is one version of a document. Equality is by (DocID, RevID); the
// body and sequence are carried when known but do not participate in identity.
type Revision struct {
	DocID    string
	RevID    string
	Deleted  bool
	Sequence uint64
	Body     Body
}

// Generation returns the leading integer of the revision ID, or 0 if the ID
// is malformed.
func (r *Revision) Generation() int {
	return RevIDGeneration(r.RevID)
}

// SameAs reports identity equality with another revision.
func (r *Revision) SameAs(other *Revision) bool {
	return r.DocID == other.DocID && r.RevID == other.RevID
}

// RevIDGeneration parses the generation prefix of a revision ID of the form
// "<generation>-<suffix>".
func RevIDGeneration(revID string) int {
	dash := strings.IndexByte(revID, '-')
	if dash <= 0 {
		return 0
	}
	gen, err := strconv.Atoi(revID[:dash])
	if err != nil || gen < 1 {
		return 0
	}
	return gen
}

// RevIDSuffix returns the part of the revision ID after the generation.
func RevIDSuffix(revID string) string {
	dash := strings.IndexByte(revID, '-')
	if dash < 0 {
		return ""
	}
	return revID[dash+1:]
}

// CompareRevIDs orders revision IDs by generation, then lexically by suffix.
// The store's winning revision is the maximum under this order among
// non-deleted leaves.
func CompareRevIDs(a, b string) int {
	ga, gb := RevIDGeneration(a), RevIDGeneration(b)
	if ga != gb {
		if ga < gb {
			return -1
		}
		return 1
	}
	return strings.Compare(RevIDSuffix(a), RevIDSuffix(b))
}

// RevisionList is an ordered multiset of revisions.
type RevisionList []*Revision

// FindByDocIDAndRevID returns the first matching revision, or nil.
func (l RevisionList) FindByDocIDAndRevID(docID, revID string) *Revision {
	for _, r := range l {
		if r.DocID == docID && r.RevID == revID {
			return r
		}
	}
	return nil
}

// Contains reports whether an identical revision is in the list.
func (l RevisionList) Contains(rev *Revision) bool {
	return l.FindByDocIDAndRevID(rev.DocID, rev.RevID) != nil
}

// Remove deletes the first revision equal to rev, returning the shortened list.
func (l RevisionList) Remove(rev *Revision) RevisionList {
	for i, r := range l {
		if r.SameAs(rev) {
			return append(l[:i:i], l[i+1:]...)
		}
	}
	return l
}

// SortBySequence orders the list by ascending sequence in place.
func (l RevisionList) SortBySequence() {
	sort.SliceStable(l, func(i, j int) bool { return l[i].Sequence < l[j].Sequence })
}

// GroupByDocID buckets revisions by document ID, preserving order within a
// bucket.
func (l RevisionList) GroupByDocID() map[string]RevisionList {
	groups := make(map[string]RevisionList)
	for _, r := range l {
		groups[r.DocID] = append(groups[r.DocID], r)
	}
	return groups
}

// Limit returns at most n revisions from the front of the list.
func (l RevisionList) Limit(n int) RevisionList {
	if n >= 0 && len(l) > n {
		return l[:n]
	}
	return l
}

// MaxSequence returns the highest sequence present in the list.
func (l RevisionList) MaxSequence() uint64 {
	var max uint64
	for _, r := range l {
		if r.Sequence > max {
			max = r.Sequence
		}
	}
	return max
}
