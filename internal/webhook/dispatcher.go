// Package webhook delivers the per-tick payload to every participant's
// endpoint and collects the actions they return.
//
// Dispatch policy: one POST per recipient, all recipients in parallel, joined
// at a single barrier. Retries cover transient failures only (429, 5xx,
// timeouts, connection errors); anything else is terminal on the first
// response. A per-recipient circuit breaker sits in front of every call, and
// an open circuit skips the recipient without touching its failure counters.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"marketsim/internal/breaker"
	"marketsim/internal/metrics"
	"marketsim/internal/retry"
	"marketsim/pkg/types"
)

// Outcome is the terminal result of one recipient's dispatch.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped" // circuit open, no call made
)

// Result is one recipient's settled dispatch.
type Result struct {
	AgentID    string
	Outcome    Outcome
	Attempts   int
	StatusCode int
	Err        string
	Actions    []types.Action
}

// Options tunes the dispatcher.
type Options struct {
	Timeout       time.Duration // per HTTP attempt
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter float64
}

// AgentAccounting is the store surface the dispatcher needs: updating
// delivery bookkeeping on the agent record.
type AgentAccounting interface {
	MutateAgent(id string, fn func(*types.Agent)) error
}

// Target pairs a recipient with its payload for one tick.
type Target struct {
	Agent   types.Agent
	Payload types.WebhookPayload
}

// Dispatcher posts payloads and applies retry, signing, and breaker policy.
type Dispatcher struct {
	client   *resty.Client
	opts     Options
	breakers *breaker.Registry
	store    AgentAccounting
	logger   *slog.Logger
}

// New creates a dispatcher. The resty client owns the per-attempt timeout;
// retry scheduling lives here so the breaker sees every terminal outcome.
func New(opts Options, breakers *breaker.Registry, store AgentAccounting, logger *slog.Logger) *Dispatcher {
	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "marketsim-engine")
	return &Dispatcher{
		client:   client,
		opts:     opts,
		breakers: breakers,
		store:    store,
		logger:   logger.With("component", "webhook"),
	}
}

// DispatchAll delivers to every target in parallel and returns when all
// outcomes have settled.
func (d *Dispatcher) DispatchAll(ctx context.Context, tick int64, targets []Target) []Result {
	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = d.dispatchOne(ctx, tick, targets[i])
		}(i)
	}
	wg.Wait()

	metrics.BreakersOpen.Set(float64(len(d.breakers.OpenIDs())))
	return results
}

// httpError marks a response-code failure so the retry predicate can
// distinguish transient status codes from permanent ones.
type httpError struct {
	status int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.status)
}

// retryable reports whether an attempt error warrants another try.
// Response-code errors retry only on 429 and 5xx; transport errors
// (timeouts, refused connections, resets) always retry.
func retryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.status == 429 || he.status >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, tick int64, t Target) Result {
	agentID := t.Agent.ID
	br := d.breakers.Get(agentID)

	if !br.Allow() {
		metrics.WebhookOutcomes.WithLabelValues(string(OutcomeSkipped)).Inc()
		d.logger.Debug("webhook skipped", "agent", agentID, "reason", "circuit open")
		return Result{AgentID: agentID, Outcome: OutcomeSkipped, Err: "Circuit breaker open"}
	}

	body, err := json.Marshal(t.Payload)
	if err != nil {
		// A payload that cannot marshal is an engine bug, not an agent fault.
		d.logger.Error("payload marshal failed", "agent", agentID, "error", err)
		return Result{AgentID: agentID, Outcome: OutcomeFailed, Err: "payload marshal failed"}
	}

	signature := ""
	if t.Agent.WebhookSecret != "" {
		mac := hmac.New(sha256.New, []byte(t.Agent.WebhookSecret))
		mac.Write(body)
		signature = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	policy := retry.Policy{
		MaxRetries:  d.opts.MaxRetries,
		BaseDelay:   d.opts.BackoffBase,
		MaxDelay:    d.opts.BackoffMax,
		Jitter:      d.opts.BackoffJitter,
		ShouldRetry: retryable,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			d.logger.Warn("webhook attempt failed, retrying",
				"agent", agentID, "attempt", attempt, "delay", delay, "error", err)
		},
	}

	type reply struct {
		status int
		body   []byte
	}
	var lastStatus int
	res := retry.Do(ctx, policy, func(ctx context.Context) (reply, error) {
		req := d.client.R().
			SetContext(ctx).
			SetHeader("X-Tick", strconv.FormatInt(tick, 10)).
			SetHeader("X-Agent", agentID).
			SetBody(body)
		if signature != "" {
			req.SetHeader("X-Signature", signature)
		}
		resp, err := req.Post(t.Agent.WebhookURL)
		if err != nil {
			return reply{}, fmt.Errorf("post webhook: %w", err)
		}
		code := resp.StatusCode()
		lastStatus = code
		if code < 200 || code > 299 {
			return reply{}, &httpError{status: code}
		}
		return reply{status: code, body: resp.Body()}, nil
	})

	metrics.WebhookAttempts.Observe(float64(res.Attempts))
	now := time.Now().UTC()

	if !res.Success {
		br.RecordFailure()
		errMsg := "request failed"
		if res.Err != nil {
			errMsg = res.Err.Error()
		}
		if updErr := d.store.MutateAgent(agentID, func(a *types.Agent) {
			a.WebhookFailures++
			a.LastWebhookError = errMsg
		}); updErr != nil {
			d.logger.Warn("failure accounting skipped", "agent", agentID, "error", updErr)
		}
		metrics.WebhookOutcomes.WithLabelValues(string(OutcomeFailed)).Inc()
		d.logger.Warn("webhook failed", "agent", agentID, "attempts", res.Attempts, "error", errMsg)
		return Result{
			AgentID:    agentID,
			Outcome:    OutcomeFailed,
			Attempts:   res.Attempts,
			StatusCode: lastStatus,
			Err:        errMsg,
		}
	}

	br.RecordSuccess()
	if updErr := d.store.MutateAgent(agentID, func(a *types.Agent) {
		a.WebhookFailures = 0
		a.LastWebhookError = ""
		a.LastWebhookSuccessAt = &now
	}); updErr != nil {
		d.logger.Warn("success accounting skipped", "agent", agentID, "error", updErr)
	}
	metrics.WebhookOutcomes.WithLabelValues(string(OutcomeSuccess)).Inc()

	// A 2xx with an undecodable or empty body simply carries no actions.
	var actions []types.Action
	if len(res.Data.body) > 0 {
		var ar types.ActionResponse
		if err := json.Unmarshal(res.Data.body, &ar); err == nil {
			actions = ar.Actions
		} else {
			d.logger.Debug("webhook response not parseable, ignoring body", "agent", agentID)
		}
	}

	return Result{
		AgentID:    agentID,
		Outcome:    OutcomeSuccess,
		Attempts:   res.Attempts,
		StatusCode: res.Data.status,
		Actions:    actions,
	}
}
