package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Ananth-NQI/wa-relay/internal/apperrors"
	"github.com/Ananth-NQI/wa-relay/internal/metrics"
	"github.com/Ananth-NQI/wa-relay/internal/models"
)

// Attempt statuses
const (
	AttemptSent  = "sent"
	AttemptError = "error"
)

// RankCandidates picks the gateways a send may try, in order. Only
// instances of the pinned slug's family (else the default slug's) qualify;
// instances at their daily limit are skipped. The current instance goes
// first, then the least used, then any instance other than the last used.
func RankCandidates(instances []models.GatewayInstance, pinnedSlug, defaultSlug string, usage Usage, limit int) ([]models.GatewayInstance, error) {
	family := models.FamilyOf(pinnedSlug)
	if family == "" {
		family = models.FamilyOf(defaultSlug)
	}

	var pool []models.GatewayInstance
	for _, inst := range instances {
		if inst.Enabled && inst.Configured() && inst.Family() == family {
			pool = append(pool, inst)
		}
	}
	if len(pool) == 0 {
		return nil, &apperrors.QuotaExhaustedError{Family: family}
	}

	var available []models.GatewayInstance
	for _, inst := range pool {
		if inst.DailyLimit > 0 && usage.Count(inst.Slug) >= inst.DailyLimit {
			continue
		}
		available = append(available, inst)
	}
	if len(available) == 0 {
		slugs := make([]string, 0, len(pool))
		for _, inst := range pool {
			slugs = append(slugs, inst.Slug)
		}
		sort.Strings(slugs)
		return nil, &apperrors.QuotaExhaustedError{Family: family, Candidates: slugs}
	}

	sort.SliceStable(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if (a.Slug == pinnedSlug) != (b.Slug == pinnedSlug) {
			return a.Slug == pinnedSlug
		}
		if ua, ub := usage.Count(a.Slug), usage.Count(b.Slug); ua != ub {
			return ua < ub
		}
		if (a.Slug == usage.LastUsed) != (b.Slug == usage.LastUsed) {
			return b.Slug == usage.LastUsed
		}
		return a.Slug < b.Slug
	})

	if limit > 0 && len(available) > limit {
		available = available[:limit]
	}
	return available, nil
}

// DispatchRequest is one message for the alt gateways
type DispatchRequest struct {
	Phone      string
	Body       string
	Media      *MediaPayload
	PinnedSlug string
}

// DispatchResult is a successful dispatch
type DispatchResult struct {
	Slug       string
	ExternalID string
	Attempts   []apperrors.Attempt
}

// Router sends through the ranked gateways until one accepts
type Router struct {
	registry      *GatewayRegistry
	sender        GatewaySender
	maxCandidates int
	log           zerolog.Logger
}

func NewRouter(registry *GatewayRegistry, sender GatewaySender, maxCandidates int, log zerolog.Logger) *Router {
	if maxCandidates <= 0 {
		maxCandidates = 3
	}
	return &Router{
		registry:      registry,
		sender:        sender,
		maxCandidates: maxCandidates,
		log:           log.With().Str("component", "router").Logger(),
	}
}

// Dispatch tries each candidate in rank order. It returns the usage with
// the winning send recorded, or the unchanged usage on failure.
func (r *Router) Dispatch(ctx context.Context, req DispatchRequest, usage Usage) (DispatchResult, Usage, error) {
	candidates, err := RankCandidates(r.registry.Enabled(), req.PinnedSlug, r.registry.DefaultSlug(), usage, r.maxCandidates)
	if err != nil {
		return DispatchResult{}, usage, err
	}

	payload := GatewaySendRequest{Phone: req.Phone, Message: req.Body, Media: NormalizeMedia(req.Media)}
	var attempts []apperrors.Attempt
	var lastErr error
	for _, inst := range candidates {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		started := time.Now()
		externalID, err := r.sender.SendMessage(ctx, inst, payload)
		metrics.DispatchDuration.WithLabelValues(inst.Slug).Observe(time.Since(started).Seconds())

		attempt := apperrors.Attempt{Slug: inst.Slug, Status: AttemptSent}
		if err != nil {
			attempt.Status = AttemptError
			attempt.Error = err.Error()
			var gwErr *GatewayError
			if errors.As(err, &gwErr) {
				attempt.HTTPStatus = gwErr.HTTPStatus
			}
			attempts = append(attempts, attempt)
			metrics.DispatchAttempts.WithLabelValues(inst.Slug, AttemptError).Inc()
			r.log.Warn().Err(err).Str("slug", inst.Slug).Str("phone", req.Phone).Msg("Gateway attempt failed")
			lastErr = err
			continue
		}

		attempts = append(attempts, attempt)
		metrics.DispatchAttempts.WithLabelValues(inst.Slug, AttemptSent).Inc()
		r.log.Info().Str("slug", inst.Slug).Str("phone", req.Phone).Int("attempt", len(attempts)).Msg("Message dispatched")
		return DispatchResult{Slug: inst.Slug, ExternalID: externalID, Attempts: attempts}, usage.Record(inst.Slug), nil
	}

	failure := &apperrors.DispatchFailedError{Attempts: attempts}
	if lastErr != nil {
		failure.LastError = lastErr.Error()
	}
	return DispatchResult{Attempts: attempts}, usage, failure
}
