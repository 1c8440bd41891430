package template

// Variable declares one named input of a template.
type Variable struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	Required     bool   `json:"required"`
	DefaultValue any    `json:"defaultValue,omitempty"`
}

// Template is a stored prompt template. Content is always rendered;
// SystemPrompt and UserPrompt are optional companions used to build a
// chat-style messages array.
type Template struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Category     string     `json:"category,omitempty"`
	Content      string     `json:"content"`
	SystemPrompt string     `json:"systemPrompt,omitempty"`
	UserPrompt   string     `json:"userPrompt,omitempty"`
	Variables    []Variable `json:"variables,omitempty"`
	IsActive     bool       `json:"isActive"`
	Version      int        `json:"version"`
}

// Message is one entry of the rendered chat messages array.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TemplateRef identifies which template produced an execution result.
type TemplateRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// ExecuteRequest asks for one template rendering.
type ExecuteRequest struct {
	TemplateID string         `json:"templateId"`
	Variables  map[string]any `json:"variables"`
	UseCache   *bool          `json:"useCache,omitempty"`
}

// ExecuteResponse is the outcome of a single execution.
type ExecuteResponse struct {
	Success         bool        `json:"success"`
	Result          string      `json:"result,omitempty"`
	SystemPrompt    string      `json:"systemPrompt,omitempty"`
	UserPrompt      string      `json:"userPrompt,omitempty"`
	Messages        []Message   `json:"messages,omitempty"`
	ExecutionTimeMs int64       `json:"executionTime"`
	TemplateUsed    TemplateRef `json:"templateUsed"`
	Cached          bool        `json:"cached,omitempty"`
	Error           string      `json:"error,omitempty"`
}

// PreviewResponse reports a dry-run rendering with variable diagnostics.
type PreviewResponse struct {
	Success          bool     `json:"success"`
	Preview          string   `json:"preview"`
	MissingVariables []string `json:"missingVariables"`
	UnusedVariables  []string `json:"unusedVariables"`
}

// BatchItem is one execution inside a batch request.
type BatchItem struct {
	ExecutionID string         `json:"executionId"`
	TemplateID  string         `json:"templateId"`
	Variables   map[string]any `json:"variables"`
}

// BatchOptions tunes batch behavior.
type BatchOptions struct {
	StopOnFirstError bool `json:"stopOnFirstError"`
}

// BatchRequest runs several executions sequentially in order.
type BatchRequest struct {
	Executions []BatchItem  `json:"executions"`
	Options    BatchOptions `json:"options"`
}

// BatchItemResult is the outcome of one batch execution.
type BatchItemResult struct {
	ExecutionID     string `json:"executionId"`
	TemplateID      string `json:"templateId"`
	Success         bool   `json:"success"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTime"`
}

// BatchSummary aggregates a batch run.
type BatchSummary struct {
	Total                int   `json:"total"`
	Successful           int   `json:"successful"`
	Failed               int   `json:"failed"`
	TotalExecutionTimeMs int64 `json:"totalExecutionTime"`
}

// BatchResponse is the full batch outcome.
type BatchResponse struct {
	Results []BatchItemResult `json:"results"`
	Summary BatchSummary      `json:"summary"`
}
