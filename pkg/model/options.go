package model

// ChangesOptions controls ChangesSince queries. SortBySequence and
// IncludeConflicts are mutually exclusive: conflict mode groups revisions by
// document instead of emitting them in commit order.
type ChangesOptions struct {
	Limit            int
	IncludeDocs      bool
	IncludeConflicts bool
	SortBySequence   bool
	UpdateSeq        bool
}

// DefaultChangesOptions returns the options used when a _changes request
// supplies none.
func DefaultChangesOptions() ChangesOptions {
	return ChangesOptions{Limit: -1, SortBySequence: true}
}

// QueryOptions controls _all_docs and view queries.
type QueryOptions struct {
	Keys        []interface{}
	StartKey    interface{}
	EndKey      interface{}
	Skip        int
	Limit       int
	Descending  bool
	IncludeDocs bool
	UpdateSeq   bool
	Reduce      bool
	Group       bool
	GroupLevel  int
	Stale       bool
}

// DefaultQueryOptions returns the options used when a query supplies none.
func DefaultQueryOptions() QueryOptions {
	return QueryOptions{Limit: -1}
}
