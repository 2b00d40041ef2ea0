package docsync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDocKeyRoomKey(t *testing.T) {
	key, err := NewDocKey("room", 42, "notes")
	assert.Equal(t, err, nil)
	assert.Equal(t, key.String(), "room:42:notes")

	parsed, err := ParseDocKey("room:42:notes")
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, key)
}

func TestDocKeyRejectsDelimiter(t *testing.T) {
	_, err := NewDocKey("ro:om", 42, "notes")
	assert.NotEqual(t, err, nil)

	_, err = NewDocKey("room", 42, "no:tes")
	assert.NotEqual(t, err, nil)

	_, err = NewDocKey("", 42, "notes")
	assert.NotEqual(t, err, nil)
}

func TestDocKeyParseErrors(t *testing.T) {
	_, err := ParseDocKey("room:42")
	assert.NotEqual(t, err, nil)

	_, err = ParseDocKey("room:notanumber:notes")
	assert.NotEqual(t, err, nil)

	_, err = ParseDocKey("room:42:notes:extra")
	assert.NotEqual(t, err, nil)
}

func TestIdOrderAndJson(t *testing.T) {
	a := NewId()
	b := NewId()
	assert.Equal(t, a.LessThan(b), true)
	assert.Equal(t, b.LessThan(a), false)

	type test struct {
		A Id  `json:"a"`
		B *Id `json:"b,omitempty"`
	}
	t1 := &test{A: a, B: &b}
	t1Json, err := json.Marshal(t1)
	assert.Equal(t, err, nil)

	t2 := &test{}
	err = json.Unmarshal(t1Json, t2)
	assert.Equal(t, err, nil)
	assert.Equal(t, t2.A, a)
	assert.Equal(t, *t2.B, b)
}
