// Package router picks which credentials may serve the next request.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pario-ai/keypool/pkg/config"
	"github.com/pario-ai/keypool/pkg/health"
	"github.com/pario-ai/keypool/pkg/models"
)

// Source is the read side of the store the Selector needs. Reads may be
// slightly stale; a stale view only costs one extra failed attempt.
type Source interface {
	ListCredentials(ctx context.Context) ([]models.Credential, error)
	ListBindings(ctx context.Context, proxyID string, activeOnly bool) ([]models.ProxyBinding, error)
}

// Selector orders selectable credentials for a proxy or for the global pool.
type Selector struct {
	src    Source
	routes []config.RouteConfig
	def    string
	now    func() time.Time
}

// New creates a Selector. cfg may be nil when no model routes are used.
func New(src Source, cfg *config.RouterConfig) *Selector {
	s := &Selector{src: src, now: time.Now}
	if cfg != nil {
		s.routes = cfg.Routes
		s.def = cfg.DefaultProxy
	}
	return s
}

// SetClock replaces the time source. Used by tests.
func (s *Selector) SetClock(now func() time.Time) {
	s.now = now
}

// ProxyFor returns the proxy binding group for the requested model. The
// first matching route wins; a route model ending in "*" matches by prefix.
// Unmatched models use the default proxy, which may be empty.
func (s *Selector) ProxyFor(model string) string {
	for _, r := range s.routes {
		if prefix, ok := strings.CutSuffix(r.Model, "*"); ok {
			if strings.HasPrefix(model, prefix) {
				return r.ProxyID
			}
			continue
		}
		if r.Model == model {
			return r.ProxyID
		}
	}
	return s.def
}

// Candidates returns the selectable credentials to try, in order.
//
// With a proxyID, active bindings are ordered by priority and then by
// credential id. Without one, every credential is a candidate, least used
// first. An empty result means the pool cannot serve the request.
func (s *Selector) Candidates(ctx context.Context, proxyID string) ([]models.Credential, error) {
	creds, err := s.src.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	now := s.now()

	if proxyID == "" {
		out := make([]models.Credential, 0, len(creds))
		for _, c := range creds {
			if health.IsSelectable(&c, now) {
				out = append(out, c)
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].TokensUsed != out[j].TokensUsed {
				return out[i].TokensUsed < out[j].TokensUsed
			}
			return out[i].ID < out[j].ID
		})
		return out, nil
	}

	bindings, err := s.src.ListBindings(ctx, proxyID, true)
	if err != nil {
		return nil, fmt.Errorf("list bindings for %s: %w", proxyID, err)
	}
	sort.SliceStable(bindings, func(i, j int) bool {
		if bindings[i].Priority != bindings[j].Priority {
			return bindings[i].Priority < bindings[j].Priority
		}
		return bindings[i].CredentialID < bindings[j].CredentialID
	})

	index := make(map[string]models.Credential, len(creds))
	for _, c := range creds {
		index[c.ID] = c
	}
	var out []models.Credential
	for _, b := range bindings {
		c, ok := index[b.CredentialID]
		if !ok {
			continue // binding outlived its credential
		}
		if health.IsSelectable(&c, now) {
			out = append(out, c)
		}
	}
	return out, nil
}
