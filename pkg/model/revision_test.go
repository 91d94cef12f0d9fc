package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRevIDGeneration(t *testing.T) {
	assert.Equal(t, 1, RevIDGeneration("1-abc"))
	assert.Equal(t, 12, RevIDGeneration("12-f00"))
	assert.Equal(t, 0, RevIDGeneration("abc"))
	assert.Equal(t, 0, RevIDGeneration(""))
	assert.Equal(t, 0, RevIDGeneration("-abc"))
	assert.Equal(t, 0, RevIDGeneration("0-abc"))
}

func TestRevIDSuffix(t *testing.T) {
	assert.Equal(t, "abc", RevIDSuffix("1-abc"))
	assert.Equal(t, "", RevIDSuffix("nodash"))
}

func TestCompareRevIDs(t *testing.T) {
	assert.Negative(t, CompareRevIDs("1-zzz", "2-aaa"))
	assert.Positive(t, CompareRevIDs("2-aaa", "1-zzz"))
	assert.Negative(t, CompareRevIDs("2-aaa", "2-bbb"))
	assert.Zero(t, CompareRevIDs("2-aaa", "2-aaa"))
}

func TestRevisionSameAs(t *testing.T) {
	a := &Revision{DocID: "doc", RevID: "1-a", Sequence: 1}
	b := &Revision{DocID: "doc", RevID: "1-a", Sequence: 9}
	c := &Revision{DocID: "doc", RevID: "2-b"}
	assert.True(t, a.SameAs(b))
	assert.False(t, a.SameAs(c))
}

func TestRevisionListOps(t *testing.T) {
	list := RevisionList{
		{DocID: "a", RevID: "1-x", Sequence: 3},
		{DocID: "b", RevID: "1-y", Sequence: 1},
		{DocID: "a", RevID: "2-z", Sequence: 2},
	}

	assert.NotNil(t, list.FindByDocIDAndRevID("a", "2-z"))
	assert.Nil(t, list.FindByDocIDAndRevID("a", "9-q"))
	assert.True(t, list.Contains(&Revision{DocID: "b", RevID: "1-y"}))

	list.SortBySequence()
	assert.Equal(t, uint64(1), list[0].Sequence)
	assert.Equal(t, uint64(3), list[2].Sequence)
	assert.Equal(t, uint64(3), list.MaxSequence())

	groups := list.GroupByDocID()
	assert.Len(t, groups["a"], 2)
	assert.Len(t, groups["b"], 1)

	assert.Len(t, list.Limit(2), 2)
	assert.Len(t, list.Limit(10), 3)

	shorter := list.Remove(&Revision{DocID: "b", RevID: "1-y"})
	assert.Len(t, shorter, 2)
	assert.False(t, shorter.Contains(&Revision{DocID: "b", RevID: "1-y"}))
}
