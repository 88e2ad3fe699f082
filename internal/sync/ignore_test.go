package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIgnoreList(t *testing.T) {
	t.Run("builtin patterns always apply", func(t *testing.T) {
		l := NewIgnoreList(nil)
		assert.True(t, l.ShouldIgnore(".reposync/snapshot.json"))
		assert.True(t, l.ShouldIgnore(".git/config"))
		assert.True(t, l.ShouldIgnore(".DS_Store"))
		assert.True(t, l.ShouldIgnore("sub/dir/.DS_Store"))
		assert.False(t, l.ShouldIgnore("src/main.go"))
	})

	t.Run("user patterns use gitignore semantics", func(t *testing.T) {
		l := NewIgnoreList([]string{"*.log", "build/", "!important.log"})
		assert.True(t, l.ShouldIgnore("trace.log"))
		assert.True(t, l.ShouldIgnore("deep/nested/trace.log"))
		assert.True(t, l.ShouldIgnore("build/out.bin"))
		assert.False(t, l.ShouldIgnore("important.log"))
		assert.False(t, l.ShouldIgnore("builder/x"))
	})
}
