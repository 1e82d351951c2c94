// Package recipe defines the declarative recipe/stage/step document shape
// that the engine executes, along with the structural validation rules a
// recipe must satisfy before a run starts.
package recipe

import "regexp"

// StepKind identifies which of the three dispatchable step shapes a Step carries.
type StepKind string

const (
	StepAgent  StepKind = "agent"
	StepBash   StepKind = "bash"
	StepRecipe StepKind = "recipe"
)

// OnError selects what the dispatcher does once retries for a step are exhausted.
type OnError string

const (
	OnErrorFail         OnError = "fail"
	OnErrorContinue     OnError = "continue"
	OnErrorSkipRemaining OnError = "skip_remaining"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffLinear      BackoffKind = "linear"
)

// ApprovalDefault is applied when an approval gate times out.
type ApprovalDefault string

const (
	ApprovalDefaultApprove ApprovalDefault = "approve"
	ApprovalDefaultDeny    ApprovalDefault = "deny"
)

// Reserved context/output keys. A step may not declare its output variable
// as one of these names — they are injected by the executor itself.
const (
	ReservedRecipe  = "recipe"
	ReservedSession = "session"
	ReservedStep    = "step"
	ReservedStage   = "stage"
)

var reservedOutputNames = map[string]bool{
	ReservedRecipe:  true,
	ReservedSession: true,
	ReservedStep:    true,
	ReservedStage:   true,
}

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	versionRe = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)
)

// RetryPolicy governs how many times, and on what schedule, an agent step
// is attempted before the step's OnError policy is consulted.
type RetryPolicy struct {
	MaxAttempts  int         `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay float64     `yaml:"initial_delay" json:"initial_delay"` // seconds
	MaxDelay     float64     `yaml:"max_delay" json:"max_delay"`         // seconds
	Backoff      BackoffKind `yaml:"backoff" json:"backoff"`
}

// DefaultRetryPolicy mirrors the defaults observed in the reference
// implementation this engine was modeled on: a single attempt, a five
// second initial delay, a five minute ceiling, exponential growth.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  1,
		InitialDelay: 5,
		MaxDelay:     300,
		Backoff:      BackoffExponential,
	}
}

func (r *RetryPolicy) applyDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 1
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = 5
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 300
	}
	if r.Backoff == "" {
		r.Backoff = BackoffExponential
	}
}

// RecursionConfig bounds how deep and how far sub-recipe composition may go.
type RecursionConfig struct {
	MaxDepth      int `yaml:"max_depth" json:"max_depth"`
	MaxTotalSteps int `yaml:"max_total_steps" json:"max_total_steps"`
}

func DefaultRecursionConfig() RecursionConfig {
	return RecursionConfig{MaxDepth: 10, MaxTotalSteps: 1000}
}

// BackoffConfig drives the rate limiter's adaptive back-off curve.
type BackoffConfig struct {
	InitialDelay      float64 `yaml:"initial_delay" json:"initial_delay"`
	Multiplier        float64 `yaml:"multiplier" json:"multiplier"`
	MaxDelay          float64 `yaml:"max_delay" json:"max_delay"`
	ResetAfterSuccess int     `yaml:"reset_after_success" json:"reset_after_success"`
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{InitialDelay: 5, Multiplier: 2, MaxDelay: 300, ResetAfterSuccess: 3}
}

// RateLimitingConfig caps concurrent agent spawns and enforces pacing.
type RateLimitingConfig struct {
	MaxConcurrentLLM int           `yaml:"max_concurrent_llm" json:"max_concurrent_llm"`
	MinPacingMS      int           `yaml:"min_pacing_ms" json:"min_pacing_ms"`
	Backoff          BackoffConfig `yaml:"backoff" json:"backoff"`
}

// OrchestratorConfig is opaque, agent-spawner facing configuration that the
// engine passes through without interpreting.
type OrchestratorConfig map[string]interface{}

// ApprovalConfig describes a stage's human approval gate.
type ApprovalConfig struct {
	Required       bool            `yaml:"required" json:"required"`
	Prompt         string          `yaml:"prompt" json:"prompt"`
	TimeoutSeconds int             `yaml:"timeout_seconds" json:"timeout_seconds"` // 0 = wait forever
	Default        ApprovalDefault `yaml:"default" json:"default"`
}

// DefaultMaxIterations is the foreach bound applied when a step doesn't
// set MaxIterations explicitly, matching the Python original's
// Step.max_iterations default.
const DefaultMaxIterations = 100

// ForeachConfig describes a step's loop clause.
type ForeachConfig struct {
	Expr          string      `yaml:"expr" json:"expr"`                             // resolved against context, must yield a list
	VarName       string      `yaml:"var" json:"var"`                               // loop variable name, defaults to "item"
	Collect       string      `yaml:"collect,omitempty" json:"collect,omitempty"`   // output key for collected results
	Parallel      interface{} `yaml:"parallel,omitempty" json:"parallel,omitempty"` // bool true (unbounded) or int N
	MaxIterations int         `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
}

// MaxIterationsOrDefault reports the configured over-bound ceiling, or
// DefaultMaxIterations when unset.
func (f *ForeachConfig) MaxIterationsOrDefault() int {
	if f.MaxIterations > 0 {
		return f.MaxIterations
	}
	return DefaultMaxIterations
}

func (f *ForeachConfig) loopVar() string {
	if f.VarName == "" {
		return "item"
	}
	return f.VarName
}

// LoopVar reports the loop-variable name a foreach step injects into the
// context for the duration of each iteration, defaulting to "item".
func (f *ForeachConfig) LoopVar() string { return f.loopVar() }

// ParallelWidth reports whether the loop runs in parallel and, if so, the
// bound (0 means unbounded).
func (f *ForeachConfig) ParallelWidth() (parallel bool, bound int) {
	switch v := f.Parallel.(type) {
	case nil:
		return false, 0
	case bool:
		return v, 0
	case int:
		if v <= 0 {
			return false, 0
		}
		return true, v
	case float64:
		n := int(v)
		if n <= 0 {
			return false, 0
		}
		return true, n
	default:
		return false, 0
	}
}

// Step is a single unit of dispatchable work.
type Step struct {
	ID         string   `yaml:"id" json:"id"`
	DependsOn  []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Output     string   `yaml:"output,omitempty" json:"output,omitempty"`
	Condition  string   `yaml:"condition,omitempty" json:"condition,omitempty"`
	Foreach    *ForeachConfig `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	Retry      RetryPolicy    `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnError    OnError        `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	TimeoutSec int            `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	ParseJSON  bool           `yaml:"parse_json,omitempty" json:"parse_json,omitempty"`

	Kind StepKind `yaml:"kind" json:"kind"`

	// agent kind
	Agent  string `yaml:"agent,omitempty" json:"agent,omitempty"`
	Prompt string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	Mode   string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// bash kind
	Command         string            `yaml:"command,omitempty" json:"command,omitempty"`
	Cwd              string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Env              map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	OutputExitCode   string            `yaml:"output_exit_code,omitempty" json:"output_exit_code,omitempty"`

	// recipe kind
	RecipePath      string                 `yaml:"recipe,omitempty" json:"recipe,omitempty"`
	SubContext      map[string]interface{} `yaml:"context,omitempty" json:"context,omitempty"`
	MaxDepth        int                    `yaml:"max_depth,omitempty" json:"max_depth,omitempty"`
	MaxTotalSteps   int                    `yaml:"max_total_steps,omitempty" json:"max_total_steps,omitempty"`
}

func (s *Step) applyDefaults() {
	s.Retry.applyDefaults()
	if s.OnError == "" {
		s.OnError = OnErrorFail
	}
}

// Stage is a named sub-sequence of steps, optionally gated by approval.
type Stage struct {
	Name     string          `yaml:"name" json:"name"`
	Steps    []Step          `yaml:"steps" json:"steps"`
	Approval *ApprovalConfig `yaml:"approval,omitempty" json:"approval,omitempty"`
}

// Recipe is the top-level, versioned workflow document.
type Recipe struct {
	Name        string                 `yaml:"name" json:"name"`
	Version     string                 `yaml:"version" json:"version"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Context     map[string]interface{} `yaml:"context,omitempty" json:"context,omitempty"`
	Steps       []Step                 `yaml:"steps,omitempty" json:"steps,omitempty"`
	Stages      []Stage                `yaml:"stages,omitempty" json:"stages,omitempty"`
	Recursion   *RecursionConfig       `yaml:"recursion,omitempty" json:"recursion,omitempty"`
	RateLimit   *RateLimitingConfig    `yaml:"rate_limiting,omitempty" json:"rate_limiting,omitempty"`
	Orchestrator OrchestratorConfig    `yaml:"orchestrator,omitempty" json:"orchestrator,omitempty"`
}

// IsStaged reports whether this recipe groups steps into stages.
func (r *Recipe) IsStaged() bool { return len(r.Stages) > 0 }

// ApplyDefaults fills in zero-valued policy fields with their documented
// defaults. Validate should be called first; ApplyDefaults assumes a
// structurally sound recipe.
func (r *Recipe) ApplyDefaults() {
	if r.Recursion == nil {
		d := DefaultRecursionConfig()
		r.Recursion = &d
	}
	if r.RateLimit != nil && r.RateLimit.Backoff == (BackoffConfig{}) {
		r.RateLimit.Backoff = DefaultBackoffConfig()
	}
	for i := range r.Steps {
		r.Steps[i].applyDefaults()
	}
	for si := range r.Stages {
		for i := range r.Stages[si].Steps {
			r.Stages[si].Steps[i].applyDefaults()
		}
	}
}

// AllSteps returns every step in the recipe in execution order, flattening
// stages when present. Useful for validation passes that don't care about
// the flat/staged distinction.
func (r *Recipe) AllSteps() []Step {
	if r.IsStaged() {
		var out []Step
		for _, st := range r.Stages {
			out = append(out, st.Steps...)
		}
		return out
	}
	return r.Steps
}
