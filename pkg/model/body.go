package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Body is a parsed JSON document body. Keys starting with "_" are reserved
// for engine metadata (_id, _rev, _deleted, _attachments, _revisions, ...).
type Body map[string]interface{}

// ID returns the document ID recorded in the body, if any.
func (b Body) ID() string {
	id, _ := b["_id"].(string)
	return id
}

// RevID returns the revision ID recorded in the body, if any.
func (b Body) RevID() string {
	rev, _ := b["_rev"].(string)
	return rev
}

// Deleted reports whether the body is a tombstone.
func (b Body) Deleted() bool {
	del, _ := b["_deleted"].(bool)
	return del
}

// Attachments returns the _attachments map, or nil.
func (b Body) Attachments() map[string]interface{} {
	atts, _ := b["_attachments"].(map[string]interface{})
	return atts
}

// Copy returns a shallow copy of the body.
func (b Body) Copy() Body {
	c := make(Body, len(b))
	for k, v := range b {
		c[k] = v
	}
	return c
}

// StripSpecialKeys returns a copy without engine metadata keys. User-supplied
// underscore keys other than the known set are rejected upstream.
func (b Body) StripSpecialKeys() Body {
	c := make(Body, len(b))
	for k, v := range b {
		if strings.HasPrefix(k, "_") {
			continue
		}
		c[k] = v
	}
	return c
}

// KnownSpecialKey reports whether an underscore-prefixed key is one the
// engine understands in an incoming document.
func KnownSpecialKey(key string) bool {
	switch key {
	case "_id", "_rev", "_deleted", "_attachments", "_revisions",
		"_conflicts", "_deleted_conflicts", "_local_seq", "_revs_info":
		return true
	}
	return false
}

// RevisionHistory reads the _revisions structure ({start, ids}) into a list of
// revision IDs, most recent first, as used by force inserts.
func (b Body) RevisionHistory() []string {
	revs, ok := b["_revisions"].(map[string]interface{})
	if !ok {
		return nil
	}
	var ids []string
	switch raw := revs["ids"].(type) {
	case []string:
		ids = raw
	case []interface{}:
		for _, idRaw := range raw {
			id, ok := idRaw.(string)
			if !ok {
				return nil
			}
			ids = append(ids, id)
		}
	default:
		return nil
	}
	start := 0
	switch s := revs["start"].(type) {
	case float64:
		start = int(s)
	case int:
		start = s
	}
	history := make([]string, 0, len(ids))
	for i, id := range ids {
		history = append(history, fmt.Sprintf("%d-%s", start-i, id))
	}
	return history
}

// MakeRevisionsProperty builds the _revisions structure from a history of
// full revision IDs, most recent first.
func MakeRevisionsProperty(history []string) map[string]interface{} {
	ids := make([]string, 0, len(history))
	start := 0
	for i, revID := range history {
		if i == 0 {
			start = RevIDGeneration(revID)
		}
		ids = append(ids, RevIDSuffix(revID))
	}
	return map[string]interface{}{"start": start, "ids": ids}
}

// CanonicalJSON encodes v deterministically: object keys sorted, no extra
// whitespace. Identical inputs produce byte-identical output across processes.
func CanonicalJSON(v interface{}) ([]byte, error) {
	var buf strings.Builder
	if err := canonicalEncode(&buf, v); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func canonicalEncode(buf *strings.Builder, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		return canonicalEncodeMap(buf, val)
	case Body:
		return canonicalEncodeMap(buf, val)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalEncode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(data)
		return nil
	}
}

func canonicalEncodeMap(buf *strings.Builder, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		if err := canonicalEncode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
