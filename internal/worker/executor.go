// Package worker drains the signal queue and executes jobs against exchange
// adapters.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tradehook/internal/events"
	"tradehook/internal/gateway"
	"tradehook/internal/queue"
	"tradehook/internal/risk"
	"tradehook/internal/signal"
	"tradehook/pkg/db"
	"tradehook/pkg/exchanges/common"
)

// Resolver yields a ready adapter for a user's credential.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (common.Adapter, *db.APIKey, error)
	RecordSuccess(apiKeyID string)
	RecordFailure(apiKeyID string)
}

// Completer marks a job terminally done in the durable queue.
type Completer interface {
	MarkComplete(jobID string)
}

// Metrics receives execution outcomes.
type Metrics interface {
	JobSucceeded(latency time.Duration)
	JobFailed()
	JobRetried()
}

// Executor turns one queued envelope into exchange calls and a settled job
// record.
type Executor struct {
	database *db.Database
	resolver Resolver
	bus      *events.Bus
	retry    *Scheduler
	durable  Completer
	metrics  Metrics
}

func NewExecutor(database *db.Database, resolver Resolver, bus *events.Bus, retry *Scheduler, durable Completer, metrics Metrics) *Executor {
	return &Executor{
		database: database,
		resolver: resolver,
		bus:      bus,
		retry:    retry,
		durable:  durable,
		metrics:  metrics,
	}
}

// Process executes one delivery of a job. Safe to call again for the same
// job: a settled job is recognized by the status claim and skipped, while a
// job interrupted mid-attempt is claimed again and re-executed. The client
// order id keeps the re-attempt idempotent on the exchange side.
func (e *Executor) Process(ctx context.Context, env queue.Envelope) {
	start := time.Now()

	rec, err := e.database.GetJobRecord(ctx, env.JobID)
	if err != nil {
		log.Printf("❌ worker: load job %s: %v", env.JobID, err)
		return
	}
	if rec == nil {
		// WAL entry without a record, nothing to execute.
		e.durable.MarkComplete(env.JobID)
		return
	}

	claimed, err := e.database.MarkJobProcessing(ctx, env.JobID)
	if err != nil {
		log.Printf("❌ worker: claim job %s: %v", env.JobID, err)
		return
	}
	if !claimed {
		// Already settled, duplicate delivery.
		e.durable.MarkComplete(env.JobID)
		return
	}

	result, err := e.execute(ctx, env)
	if err != nil {
		e.settleFailure(ctx, env, err)
		return
	}

	response, _ := json.Marshal(result)
	if err := e.database.MarkJobSuccess(ctx, env.JobID, string(response)); err != nil {
		log.Printf("❌ worker: settle job %s: %v", env.JobID, err)
	}
	e.durable.MarkComplete(env.JobID)
	e.retry.Forget(env.JobID)
	if e.metrics != nil {
		e.metrics.JobSucceeded(time.Since(start))
	}
	e.bus.Publish(events.EventTradeExecuted, *result)
	log.Printf("✓ job %s executed: %s %s %s", env.JobID, result.Exchange, result.Action, result.Symbol)
}

// execute runs the risk-checked exchange calls for one envelope.
func (e *Executor) execute(ctx context.Context, env queue.Envelope) (*events.TradeResult, error) {
	sig := env.Signal

	settings, err := e.database.GetBotSettings(ctx, env.UserID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if settings == nil {
		return nil, &risk.Rejection{Reason: "no trading policy configured"}
	}
	policy := risk.PolicyFromSettings(settings)

	adapter, key, err := e.resolver.Resolve(ctx, env.UserID)
	if err != nil {
		return nil, err
	}

	// Position count and balance only matter for entries: the guard passes
	// closes straight through to the adapter.
	var openCount int
	var balance float64
	if sig.Action != signal.ActionClose {
		openCount, err = e.database.CountOpenPositions(ctx, env.UserID)
		if err != nil {
			return nil, fmt.Errorf("count positions: %w", err)
		}
		if sig.Quantity <= 0 {
			bal, err := adapter.GetBalance(ctx)
			if err != nil {
				e.resolver.RecordFailure(key.ID)
				return nil, fmt.Errorf("fetch balance: %w", err)
			}
			balance = bal.Available
		}
	}

	plan, err := risk.Evaluate(sig, policy, openCount, balance)
	if err != nil {
		return nil, err
	}

	var result *events.TradeResult
	if sig.Action == signal.ActionClose {
		result, err = e.executeClose(ctx, env, adapter, plan)
	} else {
		result, err = e.executeEntry(ctx, env, adapter, plan, sig.Action)
	}
	if err != nil {
		e.resolver.RecordFailure(key.ID)
		return nil, err
	}
	e.resolver.RecordSuccess(key.ID)
	result.Exchange = adapter.Name()
	return result, nil
}

func (e *Executor) executeEntry(ctx context.Context, env queue.Envelope, adapter common.Adapter, plan risk.OrderPlan, action string) (*events.TradeResult, error) {
	if err := adapter.SetLeverage(ctx, plan.Symbol, plan.Leverage); err != nil {
		return nil, fmt.Errorf("set leverage: %w", err)
	}

	side := common.SideBuy
	if action == signal.ActionSell {
		side = common.SideSell
	}
	ordType := common.OrderTypeMarket
	if plan.OrderType == "limit" {
		ordType = common.OrderTypeLimit
	}

	order, err := adapter.CreateOrder(ctx, common.OrderRequest{
		Symbol:        plan.Symbol,
		Side:          side,
		Type:          ordType,
		Quantity:      plan.Quantity,
		Price:         plan.Price,
		Leverage:      plan.Leverage,
		StopLoss:      plan.StopLoss,
		TakeProfit:    plan.TakeProfit,
		ClientOrderID: env.JobID,
	})
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	now := time.Now()
	dbOrder := db.Order{
		ID:              uuid.NewString(),
		UserID:          env.UserID,
		WebhookLogID:    env.JobID,
		Exchange:        adapter.Name(),
		ExchangeOrderID: order.ExchangeOrderID,
		Symbol:          plan.Symbol,
		Side:            string(side),
		Type:            string(ordType),
		Status:          string(order.Status),
		Price:           order.Price,
		Quantity:        order.Quantity,
		Leverage:        plan.Leverage,
		StopLoss:        plan.StopLoss,
		TakeProfit:      plan.TakeProfit,
		ExecutedAt:      now,
	}
	if err := e.database.CreateOrder(ctx, dbOrder); err != nil {
		log.Printf("⚠️ worker: record order for job %s: %v", env.JobID, err)
	}
	if err := e.database.OpenPosition(ctx, db.Position{
		ID:         uuid.NewString(),
		UserID:     env.UserID,
		Exchange:   adapter.Name(),
		Symbol:     plan.Symbol,
		Side:       plan.Side,
		Quantity:   order.Quantity,
		EntryPrice: order.Price,
		Leverage:   plan.Leverage,
		OpenedAt:   now,
	}); err != nil {
		log.Printf("⚠️ worker: record position for job %s: %v", env.JobID, err)
	}

	return &events.TradeResult{
		UserID:     env.UserID,
		JobID:      env.JobID,
		Symbol:     plan.Symbol,
		Action:     action,
		Side:       plan.Side,
		Quantity:   order.Quantity,
		Price:      order.Price,
		OrderID:    order.ExchangeOrderID,
		ExecutedAt: now,
	}, nil
}

func (e *Executor) executeClose(ctx context.Context, env queue.Envelope, adapter common.Adapter, plan risk.OrderPlan) (*events.TradeResult, error) {
	order, err := adapter.ClosePosition(ctx, plan.Symbol)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}
	if _, err := e.database.ClosePositions(ctx, env.UserID, adapter.Name(), plan.Symbol); err != nil {
		log.Printf("⚠️ worker: record close for job %s: %v", env.JobID, err)
	}
	return &events.TradeResult{
		UserID:     env.UserID,
		JobID:      env.JobID,
		Symbol:     plan.Symbol,
		Action:     signal.ActionClose,
		Quantity:   order.Quantity,
		Price:      order.Price,
		OrderID:    order.ExchangeOrderID,
		ExecutedAt: time.Now(),
	}, nil
}

// settleFailure decides between retry and terminal failure.
func (e *Executor) settleFailure(ctx context.Context, env queue.Envelope, cause error) {
	if isTerminal(cause) {
		e.fail(ctx, env, cause, env.Attempt+1)
		return
	}

	attempt, scheduled := e.retry.Schedule(env)
	if !scheduled {
		e.fail(ctx, env, fmt.Errorf("retries exhausted: %w", cause), attempt)
		return
	}

	if err := e.database.MarkJobRetryScheduled(ctx, env.JobID, cause.Error()); err != nil {
		log.Printf("❌ worker: park job %s for retry: %v", env.JobID, err)
	}
	if e.metrics != nil {
		e.metrics.JobRetried()
	}
	e.bus.Publish(events.EventJobRetry, events.RetryScheduled{
		UserID:  env.UserID,
		JobID:   env.JobID,
		Attempt: attempt,
	})
	log.Printf("🔄 job %s attempt %d failed, retry scheduled: %v", env.JobID, attempt, cause)
}

// fail settles the record terminally and notifies the user.
func (e *Executor) fail(ctx context.Context, env queue.Envelope, cause error, attempts int) {
	if err := e.database.MarkJobFailed(ctx, env.JobID, cause.Error()); err != nil {
		log.Printf("❌ worker: fail job %s: %v", env.JobID, err)
	}
	e.durable.MarkComplete(env.JobID)
	e.retry.Forget(env.JobID)
	if e.metrics != nil {
		e.metrics.JobFailed()
	}
	e.bus.Publish(events.EventTradeError, events.TradeError{
		UserID:   env.UserID,
		JobID:    env.JobID,
		Symbol:   env.Signal.Symbol,
		Action:   env.Signal.Action,
		Message:  cause.Error(),
		Attempts: attempts,
		FailedAt: time.Now(),
	})
	log.Printf("❌ job %s failed terminally: %v", env.JobID, cause)
}

// isTerminal reports whether retrying the job could not change the outcome.
// Policy vetoes and missing credentials are permanent; venue and network
// errors are worth another attempt.
func isTerminal(err error) bool {
	var rejection *risk.Rejection
	if errors.As(err, &rejection) {
		return true
	}
	return errors.Is(err, gateway.ErrNoCredential)
}
