package proxy

import (
	"context"
	"fmt"
	"sort"

	"github.com/museflow/ai-gateway/internal/providers"
)

// selectCandidates builds the ordered provider list for one invocation:
// the primary (lowest priority number among active providers of the
// operation's type) followed by up to providers.MaxFallbackProviders
// alternates. Providers whose breaker is open are skipped up front; the
// candidate loop re-checks at call time.
func (p *Proxy) selectCandidates(ctx context.Context, op providers.Operation) ([]*providers.ProviderConfiguration, error) {
	pt, ok := providers.TypeForOperation(op)
	if !ok {
		return nil, providers.NewError(providers.CodeValidation,
			fmt.Sprintf("unsupported operation %q", op), 400)
	}

	active, err := p.store.FindActiveProviders(ctx, pt)
	if err != nil {
		return nil, err
	}

	candidates := make([]*providers.ProviderConfiguration, 0, len(active))
	for _, cfg := range active {
		if !p.cb.Available(cfg.ProviderID) {
			p.registry.RecordCircuitBreakerRejection(cfg.ProviderID)
			p.registry.SetCircuitBreaker(cfg.ProviderID, int64(p.cb.State(cfg.ProviderID)))
			continue
		}
		candidates = append(candidates, cfg)
	}

	if len(candidates) == 0 {
		return nil, providers.NewError(providers.CodeNoProviders,
			fmt.Sprintf("no active providers available for type %q", pt), 503)
	}

	// FindActiveProviders already orders by priority; keep the sort as a
	// guard so callers never depend on storage ordering.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	limit := 1 + providers.MaxFallbackProviders
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

// buildCandidateList assembles the full per-request candidate order:
// the pinned provider when the request names one, then the selected
// candidates, then any caller-requested fallbacks, deduped keeping the
// first occurrence.
func (p *Proxy) buildCandidateList(ctx context.Context, req *providers.ProviderRequest) ([]*providers.ProviderConfiguration, error) {
	pt, ok := providers.TypeForOperation(req.Operation)
	if !ok {
		return nil, providers.NewError(providers.CodeValidation,
			fmt.Sprintf("unsupported operation %q", req.Operation), 400)
	}

	var out []*providers.ProviderConfiguration
	seen := map[string]bool{}

	appendCfg := func(cfg *providers.ProviderConfiguration) {
		if cfg == nil || seen[cfg.ProviderID] {
			return
		}
		seen[cfg.ProviderID] = true
		out = append(out, cfg)
	}

	if req.ProviderID != "" {
		pinned, err := p.store.FindByProviderAndType(ctx, req.ProviderID, pt)
		if err != nil {
			return nil, err
		}
		if !pinned.IsActive {
			return nil, providers.NewError(providers.CodeProviderUnavailable,
				fmt.Sprintf("provider %q is not active", req.ProviderID), 503)
		}
		appendCfg(pinned)
	}

	selected, err := p.selectCandidates(ctx, req.Operation)
	if err != nil {
		// A pinned provider can still serve even when selection is empty.
		if len(out) == 0 {
			return nil, err
		}
	}
	for _, cfg := range selected {
		appendCfg(cfg)
	}

	if opts := req.Options; opts != nil {
		for _, id := range opts.FallbackProviders {
			if seen[id] {
				continue
			}
			cfg, err := p.store.FindByProviderAndType(ctx, id, pt)
			if err != nil || !cfg.IsActive {
				continue
			}
			appendCfg(cfg)
		}
	}
	return out, nil
}
