package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type hexID string

func (h hexID) Hex() string { return string(h) }

func TestToString(t *testing.T) {
	assert.Equal(t, "abc", ToString("abc"))
	assert.Equal(t, "42", ToString(int64(42)))
	assert.Equal(t, "1.5", ToString(1.5))
	assert.Equal(t, "0a0b", ToString([]byte{10, 11}))
	assert.Equal(t, "5f1d", ToString(hexID("5f1d")))
	assert.Equal(t, "", ToString(nil))
}

func TestProject(t *testing.T) {
	doc := map[string]any{"_id": 1, "name": "Richard", "age": 34, "secret": "x"}

	got := Project(doc, nil, []string{"_id", "secret"})
	assert.Equal(t, map[string]any{"name": "Richard", "age": 34}, got)
	assert.Contains(t, doc, "_id")

	got = Project(doc, []string{"name", "_id"}, []string{"_id"})
	assert.Equal(t, map[string]any{"name": "Richard"}, got)
}
