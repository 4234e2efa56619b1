// Package subscribers resolves subscriptions into recipients through the
// subscriber-data HTTP service.
package subscribers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bissquit/notification-distributor/internal/distribution"
	"github.com/bissquit/notification-distributor/internal/domain"
	"github.com/bissquit/notification-distributor/internal/pkg/ctxlog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 5 * time.Second
	defaultBatchSize   = 100
	defaultConcurrency = 4
	resolvePath        = "/v1/subscribers/resolve"
)

// Config holds subscriber service client configuration.
type Config struct {
	BaseURL     string
	Token       string        // bearer token, optional
	Timeout     time.Duration // per request
	BatchSize   int           // ids per request
	Concurrency int           // requests in flight
	RateLimit   float64       // requests per second, 0 means unlimited
	Burst       int
}

// Resolver implements distribution.SubscriberResolver over HTTP.
type Resolver struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewResolver creates a Resolver.
func NewResolver(config Config) (*Resolver, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("subscribers resolver: base url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultBatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	slog.Info("subscriber resolver configured",
		"base_url", config.BaseURL,
		"batch_size", config.BatchSize,
		"concurrency", config.Concurrency,
		"rate_limit", config.RateLimit,
	)

	return &Resolver{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, config.Burst),
	}, nil
}

type resolveRequest struct {
	Kind domain.RecipientKind `json:"kind"`
	IDs  []string             `json:"ids"`
}

type resolveResponse struct {
	Recipients []domain.Recipient `json:"recipients"`
	Missing    []string           `json:"missing,omitempty"`
}

type batch struct {
	kind domain.RecipientKind
	ids  []string
}

// Resolve looks up every distinct subscriber of subs. Subscribers the
// service does not know are left out of the result.
func (r *Resolver) Resolve(ctx context.Context, subs []domain.Subscription) ([]domain.Recipient, error) {
	batches := r.batches(subs)
	if len(batches) == 0 {
		return nil, nil
	}

	results := make([][]domain.Recipient, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.Concurrency)

	for i, b := range batches {
		g.Go(func() error {
			recipients, err := r.lookup(gctx, b)
			if err != nil {
				return err
			}
			results[i] = recipients
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var recipients []domain.Recipient
	for _, batchRecipients := range results {
		recipients = append(recipients, batchRecipients...)
	}
	return recipients, nil
}

// batches groups subscriber ids by kind in first-seen order, dropping duplicates.
func (r *Resolver) batches(subs []domain.Subscription) []batch {
	var kinds []domain.RecipientKind
	ids := make(map[domain.RecipientKind][]string)
	seen := make(map[string]struct{})

	for _, sub := range subs {
		if sub.SubscriberID == "" {
			continue
		}
		key := string(sub.SubscriberKind) + "/" + sub.SubscriberID
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		if _, ok := ids[sub.SubscriberKind]; !ok {
			kinds = append(kinds, sub.SubscriberKind)
		}
		ids[sub.SubscriberKind] = append(ids[sub.SubscriberKind], sub.SubscriberID)
	}

	var batches []batch
	for _, kind := range kinds {
		kindIDs := ids[kind]
		for start := 0; start < len(kindIDs); start += r.config.BatchSize {
			end := min(start+r.config.BatchSize, len(kindIDs))
			batches = append(batches, batch{kind: kind, ids: kindIDs[start:end]})
		}
	}
	return batches
}

func (r *Resolver) lookup(ctx context.Context, b batch) ([]domain.Recipient, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: wait for rate limiter: %w", distribution.ErrUpstreamLookup, err)
	}

	body, err := json.Marshal(resolveRequest{Kind: b.kind, IDs: b.ids})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(r.config.BaseURL, "/") + resolvePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.config.Token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %w", distribution.ErrUpstreamLookup, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return r.handleResponse(ctx, resp, b)
}

func (r *Resolver) handleResponse(ctx context.Context, resp *http.Response, b batch) ([]domain.Recipient, error) {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		ctxlog.FromContext(ctx).Debug("no subscribers found", "kind", b.kind, "requested", len(b.ids))
		return nil, nil

	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: unexpected status %d: %s",
			distribution.ErrUpstreamLookup, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", distribution.ErrUpstreamLookup, err)
	}

	requested := make(map[string]struct{}, len(b.ids))
	for _, id := range b.ids {
		requested[id] = struct{}{}
	}

	recipients := make([]domain.Recipient, 0, len(decoded.Recipients))
	for _, recipient := range decoded.Recipients {
		if _, ok := requested[recipient.SubscriberID]; !ok {
			ctxlog.FromContext(ctx).Warn("ignoring unrequested subscriber in response",
				"kind", b.kind,
				"subscriber_id", recipient.SubscriberID,
			)
			continue
		}
		recipient.Kind = b.kind
		recipients = append(recipients, recipient)
	}

	if len(decoded.Missing) > 0 {
		ctxlog.FromContext(ctx).Debug("subscribers unknown upstream", "kind", b.kind, "missing", decoded.Missing)
	}
	return recipients, nil
}
