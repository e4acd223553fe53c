package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	assert.Equal(t, "1", original["a"])
	assert.Len(t, clone, 2)
}

func TestCloneNil(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	assert.NotNil(t, cloned)
	assert.Empty(t, cloned)
}

func TestWithAndGet(t *testing.T) {
	base := New("tenant", "acme", "dangling")
	next := base.With("source", "mqtt")

	assert.Equal(t, "", base.Get("source"))
	assert.Equal(t, "mqtt", next.Get("source"))
	assert.Equal(t, "acme", next.Get("tenant"))
	assert.Len(t, base, 1)
}

func TestWatermillConversions(t *testing.T) {
	wm := ToWatermill(Metadata{"k": "v"})
	assert.Equal(t, message.Metadata{"k": "v"}, wm)
	assert.Equal(t, Metadata{"k": "v"}, FromWatermill(wm))
	assert.NotNil(t, ToWatermill(nil))
	assert.NotNil(t, FromWatermill(nil))
}
