package domain

import (
	"encoding/json"
	"time"
)

type ProviderKind string

const (
	KindOpenAI     ProviderKind = "openai"
	KindOpenRouter ProviderKind = "openrouter"
	KindAnthropic  ProviderKind = "anthropic"
	KindGoogle     ProviderKind = "google"
	KindFal        ProviderKind = "fal"
	KindBedrock    ProviderKind = "bedrock"
	KindOllama     ProviderKind = "ollama"
)

type Role string

const (
	RoleChat  Role = "chat"
	RoleImage Role = "image"
	RoleLocal Role = "local"
)

type Provider struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Kind              ProviderKind `json:"kind"`
	BaseURL           string       `json:"base_url,omitempty"`
	CredentialRef     string       `json:"-"`
	Active            bool         `json:"active"`
	Priority          int          `json:"priority"`
	RequestsPerSecond float64      `json:"requests_per_second,omitempty"`
}

// Model is owned by exactly one Provider. CostPerUnit is USD per 1K output
// tokens for chat models and USD per image for image models.
type Model struct {
	ID              string  `json:"id"`
	ProviderID      string  `json:"provider_id"`
	Name            string  `json:"name"`
	Role            Role    `json:"role"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	CostPerUnit     float64 `json:"cost_per_unit"`
	InputCostPerK   float64 `json:"input_cost_per_k,omitempty"`
	Active          bool    `json:"active"`
	Priority        int     `json:"priority"`
}

type Step struct {
	Name              string `json:"name" yaml:"name"`
	Role              Role   `json:"role" yaml:"role"`
	PromptTemplateRef string `json:"prompt_template_ref" yaml:"prompt_template_ref"`
	OutputSchemaRef   string `json:"output_schema_ref" yaml:"output_schema_ref"`
	MaxRetries        int    `json:"max_retries" yaml:"max_retries"`
	MaxAttempts       int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	OutputTokens      int    `json:"output_tokens,omitempty" yaml:"output_tokens,omitempty"`
	ImageCount        int    `json:"image_count,omitempty" yaml:"image_count,omitempty"`
	ImageSize         string `json:"image_size,omitempty" yaml:"image_size,omitempty"`
}

type PipelineSpec struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	CreditCost  int64  `json:"credit_cost" yaml:"credit_cost"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

type GenerationRun struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	PipelineID    string          `json:"pipeline_id"`
	Prompt        string          `json:"prompt"`
	Status        RunStatus       `json:"status"`
	ReservationID string          `json:"reservation_id,omitempty"`
	StepResults   []StepResult    `json:"step_results"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

func NewGenerationRun(id, userID, pipelineID, prompt string) *GenerationRun {
	return &GenerationRun{
		ID:          id,
		UserID:      userID,
		PipelineID:  pipelineID,
		Prompt:      prompt,
		Status:      RunPending,
		StepResults: []StepResult{},
		CreatedAt:   time.Now().UTC(),
	}
}

func (r *GenerationRun) Start() error {
	if r.Status != RunPending {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	r.Status = RunRunning
	r.StartedAt = &now
	return nil
}

func (r *GenerationRun) Succeed(result json.RawMessage) error {
	if r.Status != RunRunning {
		return ErrInvalidTransition
	}
	r.Result = result
	r.finish(RunSucceeded)
	return nil
}

func (r *GenerationRun) Fail(kind ErrorKind, msg string) error {
	if r.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	r.ErrorKind = kind
	r.Error = msg
	r.finish(RunFailed)
	return nil
}

func (r *GenerationRun) Cancel() error {
	if r.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	r.ErrorKind = KindCancelled
	r.finish(RunCancelled)
	return nil
}

func (r *GenerationRun) finish(status RunStatus) {
	now := time.Now().UTC()
	r.Status = status
	r.FinishedAt = &now
}

// AppendStepResult keeps results in the order the attempts were made.
func (r *GenerationRun) AppendStepResult(res StepResult) {
	r.StepResults = append(r.StepResults, res)
}

type StepResult struct {
	RunID        string          `json:"run_id"`
	StepIndex    int             `json:"step_index"`
	StepName     string          `json:"step_name"`
	Attempt      int             `json:"attempt"`
	ProviderUsed string          `json:"provider_used"`
	ModelUsed    string          `json:"model_used"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	OutputBudget int             `json:"output_budget"`
	LatencyMs    int64           `json:"latency_ms"`
	Success      bool            `json:"success"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (s StepResult) TokensUsed() int {
	return s.InputTokens + s.OutputTokens
}

type ReservationState string

const (
	ReservationReserved  ReservationState = "reserved"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

type CreditReservation struct {
	ID        string           `json:"id"`
	RunID     string           `json:"run_id"`
	UserID    string           `json:"user_id"`
	Amount    int64            `json:"amount"`
	State     ReservationState `json:"state"`
	Period    string           `json:"period"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type CreditBalance struct {
	UserID    string `json:"user_id"`
	Period    string `json:"period"`
	Allowance int64  `json:"allowance"`
	Committed int64  `json:"committed"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

type UsageLogEntry struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	UserID       string    `json:"user_id"`
	StepName     string    `json:"step_name"`
	Attempt      int       `json:"attempt"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Images       int       `json:"images,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
	CostUSD      float64   `json:"cost_usd"`
	Success      bool      `json:"success"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Tier struct {
	Name      string `json:"name"`
	Allowance int64  `json:"allowance"`
}

type User struct {
	ID           string
	Name         string
	APIKeyHash   string
	Tier         string
	RateLimitRPM int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ProgressStatus string

const (
	ProgressPending    ProgressStatus = "pending"
	ProgressRunning    ProgressStatus = "running"
	ProgressSelecting  ProgressStatus = "selecting"
	ProgressCalling    ProgressStatus = "calling"
	ProgressValidating ProgressStatus = "validating"
	ProgressRetrying   ProgressStatus = "retrying"
	ProgressEscalating ProgressStatus = "escalating"
	ProgressStepDone   ProgressStatus = "step_done"
	ProgressStepFailed ProgressStatus = "step_failed"
	ProgressSucceeded  ProgressStatus = "succeeded"
	ProgressFailed     ProgressStatus = "failed"
	ProgressCancelled  ProgressStatus = "cancelled"
)

type ProgressEvent struct {
	RunID     string         `json:"run_id"`
	UserID    string         `json:"-"`
	StepIndex int            `json:"step_index"`
	StepCount int            `json:"step_count"`
	StepName  string         `json:"step_name,omitempty"`
	Status    ProgressStatus `json:"status"`
	Provider  string         `json:"provider,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content_filter"
	FinishUnknown       FinishReason = "unknown"
)

// CallRequest is the provider-neutral input handed to a driver.
type CallRequest struct {
	Model           string
	System          string
	Prompt          string
	MaxOutputTokens int
	JSONOutput      bool
	ImageCount      int
	ImageSize       string
}

type RawResponse struct {
	Text         string
	Images       []string
	FinishReason FinishReason
	InputTokens  int
	OutputTokens int
	Bytes        int
	Latency      time.Duration
}
