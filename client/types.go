package client

// Role of a session participant.
type Role string

const (
	RoleMentor Role = "mentor"
	RoleMentee Role = "mentee"
)

// Update is delivered to the OnUpdate callback whenever remote state is
// applied to the local buffer.
type Update struct {
	// Kind is "init", "code", or "language".
	Kind     string
	Code     string
	Language string
	Revision uint64
	// UserID is the originating participant for code updates.
	UserID string
}

// ExecuteRequest submits source for sandboxed execution. Language and source
// travel with the request; execution never reads live session state, so a
// concurrent language switch cannot affect an in-flight run.
type ExecuteRequest struct {
	Language   string
	SourceCode string
	Stdin      string
	TimeoutMs  int64
}

type ExecuteResult struct {
	Stdout     string
	Stderr     string
	ExitStatus string
	ExitCode   int
	DurationMs int64
	Truncated  bool
}
