package transport

// GitHub REST v3 response shapes, trimmed to the fields the sync engine needs.

type gitObject struct {
	SHA  string `json:"sha"`
	Type string `json:"type"`
}

type refResponse struct {
	Ref    string    `json:"ref"`
	Object gitObject `json:"object"`
}

type tagObjectResponse struct {
	SHA    string    `json:"sha"`
	Object gitObject `json:"object"`
}

type commitResponse struct {
	SHA string `json:"sha"`
}

type treeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

type treeResponse struct {
	SHA       string      `json:"sha"`
	Truncated bool        `json:"truncated"`
	Tree      []treeEntry `json:"tree"`
}

type contentResponse struct {
	SHA      string `json:"sha"`
	Size     int64  `json:"size"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type rateLimitResponse struct {
	Rate struct {
		Limit     int   `json:"limit"`
		Remaining int   `json:"remaining"`
		Reset     int64 `json:"reset"`
	} `json:"rate"`
}

// git tree entry modes as they appear on the wire
const (
	gitModeFile       = "100644"
	gitModeExecutable = "100755"
	gitModeSymlink    = "120000"
	gitModeSubmodule  = "160000"
	gitModeDir        = "040000"
)
