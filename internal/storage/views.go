package storage

import (
	"bytes"
	"sort"

	"github.com/codetrek/synclite/pkg/model"
)

// ViewRow is one row of a view query result.
type ViewRow struct {
	ID    string      `json:"id,omitempty"`
	Key   interface{} `json:"key"`
	Value interface{} `json:"value"`
	Doc   model.Body  `json:"doc,omitempty"`
}

// ViewFunctions resolves a design-document view into compiled functions.
func (d *Database) ViewFunctions(ddocName, viewName string) (MapFunc, ReduceFunc, error) {
	ddoc, err := d.GetDocument("_design/"+ddocName, DocumentOptions{})
	if err != nil {
		return nil, nil, err
	}
	views, _ := ddoc["views"].(map[string]interface{})
	view, _ := views[viewName].(map[string]interface{})
	if view == nil {
		return nil, nil, model.ErrNotFound
	}
	mapSource, _ := view["map"].(string)
	reduceSource, _ := view["reduce"].(string)
	if mapSource == "" {
		return nil, nil, model.NewError(model.StatusBadRequest, "view %s/%s has no map function", ddocName, viewName)
	}
	return d.viewCompiler.CompileView(mapSource, reduceSource)
}

// CompileView compiles inline view sources (used by _temp_view).
func (d *Database) CompileView(mapSource, reduceSource string) (MapFunc, ReduceFunc, error) {
	return d.viewCompiler.CompileView(mapSource, reduceSource)
}

// QueryView maps every current document through mapFn and shapes the result
// per opts; with reduce enabled the rows collapse through reduceFn. The index
// is computed on demand, so UpdateIndex before querying is implicit.
func (d *Database) QueryView(mapFn MapFunc, reduceFn ReduceFunc, opts model.QueryOptions) ([]ViewRow, error) {
	docs, err := d.AllDocs(model.QueryOptions{Limit: -1, IncludeDocs: true})
	if err != nil {
		return nil, err
	}

	var rows []ViewRow
	for _, docRow := range docs {
		if docRow.Doc == nil {
			continue
		}
		docID := docRow.ID
		mapFn(docRow.Doc, func(key, value interface{}) {
			rows = append(rows, ViewRow{ID: docID, Key: key, Value: value})
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return compareKeys(rows[i].Key, rows[j].Key) < 0
	})
	if opts.Descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	rows = filterViewRows(rows, opts)

	if opts.Reduce && reduceFn != nil {
		rows = reduceViewRows(rows, reduceFn, opts)
	} else {
		if opts.Skip > 0 {
			if opts.Skip >= len(rows) {
				rows = nil
			} else {
				rows = rows[opts.Skip:]
			}
		}
		if opts.Limit >= 0 && len(rows) > opts.Limit {
			rows = rows[:opts.Limit]
		}
		if opts.IncludeDocs {
			for i := range rows {
				if body, err := d.GetDocument(rows[i].ID, DocumentOptions{}); err == nil {
					rows[i].Doc = body
				}
			}
		}
	}
	return rows, nil
}

func filterViewRows(rows []ViewRow, opts model.QueryOptions) []ViewRow {
	if opts.Keys != nil {
		var out []ViewRow
		for _, want := range opts.Keys {
			for _, row := range rows {
				if compareKeys(row.Key, want) == 0 {
					out = append(out, row)
				}
			}
		}
		return out
	}
	var out []ViewRow
	for _, row := range rows {
		start, end := opts.StartKey, opts.EndKey
		if opts.Descending {
			start, end = end, start
		}
		if start != nil && compareKeys(row.Key, start) < 0 {
			continue
		}
		if end != nil && compareKeys(row.Key, end) > 0 {
			continue
		}
		out = append(out, row)
	}
	return out
}

func reduceViewRows(rows []ViewRow, reduceFn ReduceFunc, opts model.QueryOptions) []ViewRow {
	if !opts.Group && opts.GroupLevel == 0 {
		keys := make([]interface{}, len(rows))
		values := make([]interface{}, len(rows))
		for i, row := range rows {
			keys[i] = row.Key
			values[i] = row.Value
		}
		return []ViewRow{{Key: nil, Value: reduceFn(keys, values, false)}}
	}

	var out []ViewRow
	i := 0
	for i < len(rows) {
		groupKey := groupedKey(rows[i].Key, opts.GroupLevel)
		var keys, values []interface{}
		for i < len(rows) && compareKeys(groupedKey(rows[i].Key, opts.GroupLevel), groupKey) == 0 {
			keys = append(keys, rows[i].Key)
			values = append(values, rows[i].Value)
			i++
		}
		out = append(out, ViewRow{Key: groupKey, Value: reduceFn(keys, values, false)})
	}
	return out
}

func groupedKey(key interface{}, level int) interface{} {
	arr, ok := key.([]interface{})
	if !ok || level <= 0 || level >= len(arr) {
		return key
	}
	return arr[:level]
}

// compareKeys orders view keys with a simplified CouchDB collation:
// null < booleans < numbers < strings < arrays < objects.
func compareKeys(a, b interface{}) int {
	ra, rb := keyRank(a), keyRank(b)
	if ra != rb {
		return ra - rb
	}
	switch va := a.(type) {
	case nil:
		return 0
	case bool:
		vb := b.(bool)
		if va == vb {
			return 0
		}
		if !va {
			return -1
		}
		return 1
	case float64:
		vb := b.(float64)
		switch {
		case va < vb:
			return -1
		case va > vb:
			return 1
		}
		return 0
	case string:
		return bytes.Compare([]byte(va), []byte(b.(string)))
	case []interface{}:
		vb := b.([]interface{})
		for i := 0; i < len(va) && i < len(vb); i++ {
			if c := compareKeys(va[i], vb[i]); c != 0 {
				return c
			}
		}
		return len(va) - len(vb)
	default:
		ja, _ := model.CanonicalJSON(a)
		jb, _ := model.CanonicalJSON(b)
		return bytes.Compare(ja, jb)
	}
}

func keyRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []interface{}:
		return 4
	default:
		return 5
	}
}
