package storage

import (
	"fmt"
	"strings"

	"github.com/codetrek/synclite/pkg/model"
)

// The scripting runtime that evaluates map/reduce/filter sources is external
// to the engine. These contracts are its seam; the built-in compilers cover
// deployments that only need key-path views and equality filters.

// FilterFunc decides whether a revision passes a changes filter.
type FilterFunc func(rev *model.Revision, params map[string]interface{}) bool

// MapFunc emits zero or more (key, value) pairs for one document body.
type MapFunc func(body model.Body, emit func(key, value interface{}))

// ReduceFunc folds mapped values. rereduce is true when values are prior
// reduce outputs.
type ReduceFunc func(keys []interface{}, values []interface{}, rereduce bool) interface{}

// FilterCompiler turns filter source code into an executable filter.
type FilterCompiler interface {
	CompileFilter(source string) (FilterFunc, error)
}

// ViewCompiler turns map/reduce source code into executable functions.
type ViewCompiler interface {
	CompileView(mapSource, reduceSource string) (MapFunc, ReduceFunc, error)
}

// CompileFilter compiles filter source through the configured compiler.
func (d *Database) CompileFilter(source string) (FilterFunc, error) {
	return d.filterCompiler.CompileFilter(source)
}

// RunFilter applies a compiled filter to one revision.
func (d *Database) RunFilter(filter FilterFunc, rev *model.Revision, params map[string]interface{}) bool {
	if filter == nil {
		return true
	}
	return filter(rev, params)
}

// defaultFilterCompiler interprets the source as a field name; a revision
// passes when its body's field equals the "value" filter parameter, or when
// the field is truthy if no expected value was supplied.
type defaultFilterCompiler struct{}

func (defaultFilterCompiler) CompileFilter(source string) (FilterFunc, error) {
	field := strings.TrimSpace(source)
	if field == "" {
		return nil, model.NewError(model.StatusBadRequest, "empty filter source")
	}
	return func(rev *model.Revision, params map[string]interface{}) bool {
		if rev.Body == nil {
			return false
		}
		got := lookupKeyPath(rev.Body, field)
		if expected, ok := params["value"]; ok {
			return fmt.Sprint(got) == fmt.Sprint(expected)
		}
		switch v := got.(type) {
		case nil:
			return false
		case bool:
			return v
		default:
			return true
		}
	}, nil
}

// defaultViewCompiler interprets the map source as a dotted key path: each
// non-deleted document emits (value-at-path, null) when the path resolves.
// Reduce sources "_count" and "_sum" are built in.
type defaultViewCompiler struct{}

func (defaultViewCompiler) CompileView(mapSource, reduceSource string) (MapFunc, ReduceFunc, error) {
	path := strings.TrimSpace(mapSource)
	if path == "" {
		return nil, nil, model.NewError(model.StatusBadRequest, "empty map source")
	}
	mapFn := func(body model.Body, emit func(key, value interface{})) {
		if key := lookupKeyPath(body, path); key != nil {
			emit(key, nil)
		}
	}

	var reduceFn ReduceFunc
	switch strings.TrimSpace(reduceSource) {
	case "":
	case "_count":
		reduceFn = func(keys, values []interface{}, rereduce bool) interface{} {
			if !rereduce {
				return len(values)
			}
			total := 0.0
			for _, v := range values {
				if n, ok := v.(float64); ok {
					total += n
				} else if n, ok := v.(int); ok {
					total += float64(n)
				}
			}
			return total
		}
	case "_sum":
		reduceFn = func(keys, values []interface{}, rereduce bool) interface{} {
			total := 0.0
			for _, v := range values {
				if n, ok := v.(float64); ok {
					total += n
				}
			}
			return total
		}
	default:
		return nil, nil, model.NewError(model.StatusBadRequest, "unsupported reduce %q", reduceSource)
	}
	return mapFn, reduceFn, nil
}

func lookupKeyPath(body model.Body, path string) interface{} {
	path = strings.TrimPrefix(path, "doc.")
	var current interface{} = map[string]interface{}(body)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}
