// Package contracts defines the capability boundary between the engine and
// the outer process hosting it: how an agent step is actually spawned, how
// an @-mention in a prompt resolves to a sub-recipe path, how cancellation
// is observed, and where a step's status messages are surfaced. The engine
// depends only on these interfaces; cmd/recipectl wires concrete
// implementations, so a host embedding the engine differently (a server, a
// test harness) only needs to supply its own set.
package contracts

import "context"

// SpawnRequest is everything an agent step needs handed to whatever process
// actually talks to the model.
type SpawnRequest struct {
	Agent     string
	Prompt    string
	Mode      string
	SessionID string
	StepID    string
}

// SpawnResult is the raw text an agent spawn produced, before JSON
// extraction or truncation is applied.
type SpawnResult struct {
	Output       string
	ExitCode     int
	DurationMS   int64
}

// SpawnFunc spawns one agent step and waits for its result. Implementations
// are expected to honor ctx cancellation by terminating the underlying
// agent process, not merely returning early.
type SpawnFunc interface {
	Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error)
}

// MentionResolver turns a recipe-kind step's declared @-mention or relative
// path into a concrete, loadable recipe file path.
type MentionResolver interface {
	Resolve(basePath, mention string) (string, error)
}

// CancellationReader is the read side of the two-level cancellation signal
// a dispatcher or loop polls between steps/iterations.
type CancellationReader interface {
	IsRequested(ctx context.Context, sessionID, projectPath string) (bool, error)
	IsImmediate(ctx context.Context, sessionID, projectPath string) (bool, error)
}

// DisplayLevel classifies a status message surfaced through DisplaySystem.
type DisplayLevel string

const (
	DisplayInfo  DisplayLevel = "info"
	DisplayWarn  DisplayLevel = "warn"
	DisplayError DisplayLevel = "error"
)

// DisplaySystem is an optional sink for human-facing progress messages
// (step started, retrying, approval pending). A nil DisplaySystem is valid;
// callers must guard for it.
type DisplaySystem interface {
	ShowMessage(message string, level DisplayLevel, source string)
}

// CommunitySpawner is an in-process, function-backed SpawnFunc: it calls
// Run, or returns an empty output when Run is nil. Hosts that run a real
// agent runtime supply their own SpawnFunc instead.
type CommunitySpawner struct {
	Run func(ctx context.Context, req SpawnRequest) (*SpawnResult, error)
}

func (c *CommunitySpawner) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if c.Run == nil {
		return &SpawnResult{Output: ""}, nil
	}
	return c.Run(ctx, req)
}

// CommunityMentionResolver resolves a mention as a path relative to the
// parent recipe's directory, the only resolution strategy this engine
// needs out of the box.
type CommunityMentionResolver struct{}

func (CommunityMentionResolver) Resolve(basePath, mention string) (string, error) {
	return resolveRelative(basePath, mention)
}

// CommunityDisplay writes status messages through the process logger.
type CommunityDisplay struct {
	Log func(message string, level DisplayLevel, source string)
}

func (c *CommunityDisplay) ShowMessage(message string, level DisplayLevel, source string) {
	if c.Log != nil {
		c.Log(message, level, source)
	}
}

var _ SpawnFunc = (*CommunitySpawner)(nil)
var _ MentionResolver = CommunityMentionResolver{}
var _ DisplaySystem = (*CommunityDisplay)(nil)
