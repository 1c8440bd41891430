package providers

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// AuthConfig describes how credentials are attached to provider requests.
// The secret values themselves live in environment variables; this struct
// only names where to find them and where to put them.
type AuthConfig struct {
	// HeaderName is the header carrying the primary credential.
	// Default: "Authorization".
	HeaderName string `json:"headerName,omitempty"`

	// Scheme is prepended to the key when set, e.g. "Bearer".
	Scheme string `json:"scheme,omitempty"`

	// EnvVarName overrides the <PROVIDERID_UPPER>_API_KEY convention.
	EnvVarName string `json:"envVarName,omitempty"`

	// RequiredSecrets lists additional env vars attached as extra headers
	// (e.g. ORGANIZATION_ID → OpenAI-Organization).
	RequiredSecrets []string `json:"requiredSecrets,omitempty"`
}

// HealthEndpoint describes an optional dedicated health probe target.
type HealthEndpoint struct {
	URL          string `json:"url"`
	Method       string `json:"method,omitempty"` // GET or HEAD
	RequiresAuth bool   `json:"requiresAuth,omitempty"`
	IsFree       bool   `json:"isFree,omitempty"`
}

// Configuration is the structured payload of a provider configuration
// record. It is stored as JSON and validated on load so consumers (the
// engine, the credentials resolver) always see a well-formed value.
type Configuration struct {
	// Endpoint is the absolute request URL; may contain ${var} placeholders.
	Endpoint string `json:"endpoint"`

	// Method defaults to POST.
	Method string `json:"method,omitempty"`

	// RequestTemplate is an arbitrary JSON document whose string leaves may
	// contain ${var} placeholders rendered from the request payload.
	RequestTemplate map[string]any `json:"requestTemplate"`

	// ResponseMapping maps logical fields (content, artworkUrl, audioUrl,
	// format) to dotted/bracketed paths into the provider response.
	ResponseMapping map[string]string `json:"responseMapping"`

	// Headers are static, templated headers merged under the credential
	// headers (credentials always win).
	Headers map[string]string `json:"headers,omitempty"`

	// TimeoutMs overrides the request timeout for this provider.
	TimeoutMs int `json:"timeout,omitempty"`

	// Models lists the model identifiers this provider serves.
	Models []string `json:"models,omitempty"`

	Auth           *AuthConfig     `json:"auth,omitempty"`
	HealthEndpoint *HealthEndpoint `json:"healthEndpoint,omitempty"`
}

// Validate checks the structural constraints of a configuration payload.
func (c *Configuration) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("configuration: endpoint is required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("configuration: endpoint must be an absolute URL, got %q", c.Endpoint)
	}
	if c.RequestTemplate == nil {
		return fmt.Errorf("configuration: requestTemplate is required")
	}
	if len(c.ResponseMapping) == 0 {
		return fmt.Errorf("configuration: responseMapping is required")
	}
	if c.Method != "" {
		switch c.Method {
		case "GET", "POST", "PUT", "PATCH", "DELETE":
		default:
			return fmt.Errorf("configuration: unsupported method %q", c.Method)
		}
	}
	if he := c.HealthEndpoint; he != nil {
		if he.URL == "" {
			return fmt.Errorf("configuration: healthEndpoint.url is required")
		}
		switch he.Method {
		case "", "GET", "HEAD":
		default:
			return fmt.Errorf("configuration: healthEndpoint.method must be GET or HEAD, got %q", he.Method)
		}
	}
	return nil
}

// RequestMethod returns the effective HTTP method (default POST).
func (c *Configuration) RequestMethod() string {
	if c.Method == "" {
		return "POST"
	}
	return c.Method
}

// Timeout returns the configured per-provider timeout, zero when unset.
func (c *Configuration) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ProviderConfiguration is one persisted provider record.
type ProviderConfiguration struct {
	ID           int64         `json:"id"`
	ProviderID   string        `json:"providerId"`
	ProviderName string        `json:"providerName"`
	ProviderType ProviderType  `json:"providerType"`
	Config       Configuration `json:"configuration"`
	IsActive     bool          `json:"isActive"`
	IsPrimary    bool          `json:"isPrimary"`

	// Priority orders selection; lower number = higher rank. Range [0,1000].
	Priority int `json:"priority"`

	// CostPerUnit is a decimal string, e.g. "0.0025". Parsed on demand.
	CostPerUnit string `json:"costPerUnit"`

	HealthStatus HealthStatus `json:"healthStatus"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
}

// Validate checks record-level constraints (the payload is validated
// separately by Configuration.Validate).
func (p *ProviderConfiguration) Validate() error {
	if p.ProviderID == "" {
		return fmt.Errorf("provider: providerId is required")
	}
	if p.ProviderName == "" {
		return fmt.Errorf("provider: providerName is required")
	}
	if !ValidProviderType(p.ProviderType) {
		return fmt.Errorf("provider: invalid providerType %q", p.ProviderType)
	}
	if p.Priority < 0 || p.Priority > 1000 {
		return fmt.Errorf("provider: priority must be in [0,1000], got %d", p.Priority)
	}
	if p.CostPerUnit != "" {
		v, err := strconv.ParseFloat(p.CostPerUnit, 64)
		if err != nil || v < 0 {
			return fmt.Errorf("provider: costPerUnit must be a non-negative decimal, got %q", p.CostPerUnit)
		}
	}
	if p.IsPrimary && !p.IsActive {
		return fmt.Errorf("provider: a primary provider must be active")
	}
	return p.Config.Validate()
}

// Cost returns the parsed per-unit cost, zero when unset or malformed.
func (p *ProviderConfiguration) Cost() float64 {
	if p.CostPerUnit == "" {
		return 0
	}
	v, err := strconv.ParseFloat(p.CostPerUnit, 64)
	if err != nil {
		return 0
	}
	return v
}
