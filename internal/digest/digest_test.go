package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New("crc32")
	require.Error(t, err)
}

func TestEveryKindIsDeterministic(t *testing.T) {
	kinds := []Kind{MD5, SHA1, SHA256, SHA512, Blake2b, Highway, Metro, XXH3, Paranoid}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			a, err := New(kind)
			require.NoError(t, err)
			b, err := New(kind)
			require.NoError(t, err)

			a.Update([]byte("hello "))
			a.Update([]byte("world"))
			b.Update([]byte("hello world"))

			assert.True(t, a.Equal(a.Snapshot(), b.Snapshot()),
				"splitting the same bytes across two Update calls should not change the digest")
		})
	}
}

func TestDivergingInputsProduceDifferentSnapshots(t *testing.T) {
	kinds := []Kind{MD5, SHA256, Blake2b, Highway, Metro, XXH3, Paranoid}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			a, _ := New(kind)
			b, _ := New(kind)
			a.Update([]byte("aaaa"))
			b.Update([]byte("aaab"))
			assert.False(t, a.Equal(a.Snapshot(), b.Snapshot()))
		})
	}
}

func TestCloneDoesNotAliasParent(t *testing.T) {
	kinds := []Kind{MD5, SHA256, Blake2b, Highway, Metro, XXH3, Paranoid}
	for _, kind := range kinds {
		t.Run(string(kind), func(t *testing.T) {
			d, _ := New(kind)
			d.Update([]byte("shared prefix"))

			clone := d.Clone()
			before := clone.Snapshot()

			d.Update([]byte(" only on parent"))

			assert.True(t, clone.Equal(clone.Snapshot(), before),
				"updating the parent after Clone must not change the clone's snapshot")
			assert.False(t, d.Equal(d.Snapshot(), before),
				"the parent's own snapshot should have advanced")
		})
	}
}

func TestParanoidEqualityIsExactBytes(t *testing.T) {
	a, _ := New(Paranoid)
	b, _ := New(Paranoid)
	a.Update([]byte("the quick brown fox"))
	b.Update([]byte("the quick brown fox"))
	assert.True(t, a.Equal(a.Snapshot(), b.Snapshot()))

	c, _ := New(Paranoid)
	c.Update([]byte("the quick brown foy"))
	assert.False(t, a.Equal(a.Snapshot(), c.Snapshot()))
}
