package sync

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// paths the engine never syncs, on top of user-configured patterns
var builtinIgnoreLines = []string{
	metadataDirName + "/",
	".git/",
	".DS_Store",
	"Thumbs.db",
}

// IgnoreList filters remote entries out of a pass using gitignore-style
// patterns. Ignored paths are reported, never transferred and never
// deleted locally.
type IgnoreList struct {
	ignore *gitignore.GitIgnore
}

func NewIgnoreList(patterns []string) *IgnoreList {
	lines := append([]string{}, builtinIgnoreLines...)
	lines = append(lines, patterns...)
	return &IgnoreList{
		ignore: gitignore.CompileIgnoreLines(lines...),
	}
}

func (l *IgnoreList) ShouldIgnore(path string) bool {
	return l.ignore.MatchesPath(path)
}
