package engine

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/museflow/ai-gateway/internal/providers"
	"github.com/museflow/ai-gateway/internal/secrets"
)

const probeTimeout = 10 * time.Second

// ProbeHealth issues the provider's dedicated health check. Credentials
// are attached only when the endpoint declares requiresAuth. Returns the
// HTTP status, or an error on network failure.
func (e *Engine) ProbeHealth(ctx context.Context, cfg *providers.ProviderConfiguration, creds secrets.Credentials) (int, error) {
	he := cfg.Config.HealthEndpoint
	if he == nil {
		return 0, providers.NewError(providers.CodeValidation,
			"provider has no health endpoint", 400)
	}

	method := he.Method
	if method == "" {
		method = http.MethodGet
	}

	reqCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, he.URL, nil)
	if err != nil {
		return 0, err
	}
	if he.RequiresAuth {
		for k, v := range creds.Headers {
			req.Header.Set(k, v)
		}
		if len(creds.Query) > 0 {
			q := req.URL.Query()
			for k, v := range creds.Query {
				q.Set(k, v)
			}
			req.URL.RawQuery = q.Encode()
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
