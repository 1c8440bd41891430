package secrets

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/museflow/ai-gateway/internal/providers"
)

const (
	cacheTTL = 30 * time.Second

	// queryPrefix in an auth headerName routes the credential into a URL
	// query parameter instead of a header, e.g. "query:key".
	queryPrefix = "query:"
)

// Credentials is the result of resolving a provider's auth material.
type Credentials struct {
	// Headers are attached to the outbound request and always override any
	// templated header with the same name.
	Headers map[string]string

	// Query holds query-parameter credentials (providers that authenticate
	// via ?key=...).
	Query map[string]string

	IsValid            bool
	MissingCredentials []string
}

// secretHeaderNames maps well-known secret names to their header. Lookups
// try "<PROVIDERID>_<NAME>" first, then the bare name, then fall back to
// an X-Title-Cased header derived from the secret name.
var secretHeaderNames = map[string]string{
	"ORGANIZATION_ID":   "OpenAI-Organization",
	"PROJECT_ID":        "OpenAI-Project",
	"WORKSPACE_ID":      "X-Workspace-ID",
	"ANTHROPIC_VERSION": "anthropic-version",
}

type cacheEntry struct {
	creds     Credentials
	expiresAt time.Time
}

// Resolver composes credentials from environment variables and per-provider
// auth configuration. Construct one per process and inject it; test suites
// build isolated instances with their own env lookup.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]cacheEntry

	// getenv is swappable for tests. Defaults to os.Getenv.
	getenv func(string) string

	log   *slog.Logger
	debug bool
}

// NewResolver creates a Resolver using the process environment.
// Set DEBUG_PROVIDER_AUTH=true to log (masked) resolution decisions.
func NewResolver(log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		cache:  make(map[string]cacheEntry),
		getenv: os.Getenv,
		log:    log,
		debug:  strings.EqualFold(os.Getenv("DEBUG_PROVIDER_AUTH"), "true"),
	}
}

// NewResolverWithEnv creates a Resolver with a custom env lookup (tests).
func NewResolverWithEnv(log *slog.Logger, getenv func(string) string) *Resolver {
	r := NewResolver(log)
	r.getenv = getenv
	return r
}

// EnvVarName returns the conventional API key env var for a provider id:
// uppercased, hyphens replaced by underscores, suffixed with _API_KEY.
func EnvVarName(providerID string) string {
	return strings.ToUpper(strings.ReplaceAll(providerID, "-", "_")) + "_API_KEY"
}

// Resolve composes the credentials for providerID. A nil authConfig falls
// back to the <PROVIDERID_UPPER>_API_KEY convention with a Bearer scheme.
func (r *Resolver) Resolve(providerID string, auth *providers.AuthConfig) Credentials {
	key := cacheKey(providerID, auth)

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && time.Now().Before(e.expiresAt) {
		r.mu.Unlock()
		return e.creds
	}
	r.mu.Unlock()

	creds := r.resolve(providerID, auth)

	r.mu.Lock()
	r.cache[key] = cacheEntry{creds: creds, expiresAt: time.Now().Add(cacheTTL)}
	r.mu.Unlock()

	return creds
}

// Validate resolves and reports only validity and the missing env vars.
func (r *Resolver) Validate(providerID string, auth *providers.AuthConfig) (bool, []string) {
	creds := r.Resolve(providerID, auth)
	return creds.IsValid, creds.MissingCredentials
}

// Masked returns a display map of env var name → masked value for every
// credential the provider's auth configuration references.
func (r *Resolver) Masked(providerID string, auth *providers.AuthConfig) map[string]string {
	out := make(map[string]string)

	primary := EnvVarName(providerID)
	if auth != nil && auth.EnvVarName != "" {
		primary = auth.EnvVarName
	}
	out[primary] = MaskedDisplay(r.getenv(primary))

	if auth != nil {
		for _, name := range auth.RequiredSecrets {
			if name == primary {
				continue
			}
			out[name] = MaskedDisplay(r.getenv(name))
		}
	}
	return out
}

// Invalidate drops any cached resolution for providerID (all auth shapes).
func (r *Resolver) Invalidate(providerID string) {
	prefix := providerID + "|"
	r.mu.Lock()
	for k := range r.cache {
		if strings.HasPrefix(k, prefix) {
			delete(r.cache, k)
		}
	}
	r.mu.Unlock()
}

func (r *Resolver) resolve(providerID string, auth *providers.AuthConfig) Credentials {
	creds := Credentials{
		Headers: make(map[string]string),
		Query:   make(map[string]string),
	}

	// No auth config: fall back to the env convention with Bearer scheme.
	if auth == nil {
		envVar := EnvVarName(providerID)
		key := r.getenv(envVar)
		if key == "" {
			creds.MissingCredentials = []string{envVar}
			r.debugLog(providerID, envVar, false)
			return creds
		}
		creds.Headers["Authorization"] = "Bearer " + key
		creds.IsValid = true
		r.debugLog(providerID, envVar, true)
		return creds
	}

	envVar := auth.EnvVarName
	if envVar == "" {
		envVar = EnvVarName(providerID)
	}

	key := r.getenv(envVar)
	if key == "" {
		creds.MissingCredentials = []string{envVar}
		r.debugLog(providerID, envVar, false)
		return creds
	}

	value := key
	if auth.Scheme != "" {
		value = auth.Scheme + " " + key
	}

	headerName := auth.HeaderName
	if headerName == "" {
		headerName = "Authorization"
	}
	if param, ok := strings.CutPrefix(headerName, queryPrefix); ok {
		creds.Query[param] = key
	} else {
		creds.Headers[headerName] = value
	}

	// Secondary secrets become extra headers. A missing secondary does not
	// invalidate the credentials; it is reported so admins can see it.
	for _, name := range auth.RequiredSecrets {
		if name == envVar {
			continue
		}
		v := r.getenv(name)
		if v == "" {
			creds.MissingCredentials = append(creds.MissingCredentials, name)
			continue
		}
		creds.Headers[headerNameForSecret(providerID, name)] = v
	}

	creds.IsValid = true
	r.debugLog(providerID, envVar, true)
	return creds
}

// headerNameForSecret maps a secret env var name to its outbound header.
func headerNameForSecret(providerID, name string) string {
	if h, ok := secretHeaderNames[name]; ok {
		return h
	}
	scoped := strings.ToUpper(strings.ReplaceAll(providerID, "-", "_")) + "_" + name
	if h, ok := secretHeaderNames[scoped]; ok {
		return h
	}
	// Default: X-Title-Cased-Words from the env var name.
	words := strings.Split(strings.ToLower(name), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return "X-" + strings.Join(words, "-")
}

func (r *Resolver) debugLog(providerID, envVar string, found bool) {
	if !r.debug {
		return
	}
	r.log.Debug("credential_resolution",
		slog.String("provider_id", providerID),
		slog.String("env_var", envVar),
		slog.Bool("found", found),
		slog.String("value", MaskedDisplay(r.getenv(envVar))),
	)
}

func cacheKey(providerID string, auth *providers.AuthConfig) string {
	if auth == nil {
		return providerID + "|"
	}
	b, _ := json.Marshal(auth)
	return fmt.Sprintf("%s|%s", providerID, b)
}
