// Package router maps bus events to actions. Each binding pairs a topic
// with a condition predicate and an action; matches execute on a small
// worker pool so a slow action never stalls bus consumption.
package router

import (
	"context"
	"sync"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
	"github.com/monoco-io/monoco/internal/pubsub"
)

const defaultWorkers = 4

// Action executes in response to a matched event.
type Action interface {
	Name() string
	CanExecute(env events.Envelope) bool
	Execute(ctx context.Context, env events.Envelope) error
}

// Binding routes one topic through a condition to an action. A nil
// Condition always matches.
type Binding struct {
	Topic     pubsub.EventType
	Condition Condition
	Action    Action
}

// Router consumes the bus and dispatches matched actions.
type Router struct {
	bus     *events.Bus
	workers int

	mu       sync.RWMutex
	bindings []Binding

	wg sync.WaitGroup
}

// New creates a router. workers <= 0 takes the default pool size.
func New(bus *events.Bus, workers int) *Router {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Router{bus: bus, workers: workers}
}

// Bind registers a binding. Safe to call while running; new bindings
// apply to events observed afterwards.
func (r *Router) Bind(topic pubsub.EventType, cond Condition, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = append(r.bindings, Binding{Topic: topic, Condition: cond, Action: action})
}

// BindAll registers a binding table.
func (r *Router) BindAll(bindings []Binding) {
	for _, b := range bindings {
		r.Bind(b.Topic, b.Condition, b.Action)
	}
}

// Run consumes the bus until ctx cancels. It blocks; callers run it via
// log.SafeGo.
func (r *Router) Run(ctx context.Context) {
	work := make(chan events.Envelope, r.workers*2)

	for range r.workers {
		r.wg.Add(1)
		log.SafeGo("router.worker", func() {
			defer r.wg.Done()
			for env := range work {
				r.dispatch(ctx, env)
			}
		})
	}

	sub := r.bus.Subscribe(ctx)
	for env := range sub {
		select {
		case work <- env:
		case <-ctx.Done():
		}
	}
	close(work)
	r.wg.Wait()
}

// dispatch evaluates every binding for the envelope's topic.
func (r *Router) dispatch(ctx context.Context, env events.Envelope) {
	r.mu.RLock()
	bindings := r.bindings
	r.mu.RUnlock()

	for _, b := range bindings {
		if b.Topic != env.Type {
			continue
		}
		if b.Condition != nil && !b.Condition.Match(env) {
			continue
		}
		if !b.Action.CanExecute(env) {
			continue
		}

		log.Debug(log.CatRouter, "action matched",
			"action", b.Action.Name(), "topic", string(env.Type), "correlation_id", env.CorrelationID)

		if err := b.Action.Execute(ctx, env); err != nil {
			r.handleActionError(b, env, err)
		}
	}
}

func (r *Router) handleActionError(b Binding, env events.Envelope, err error) {
	if fault.Is(err, fault.QuotaExhausted) {
		events.PublishCorrelated(r.bus, events.ActionDeclined{
			Action: b.Action.Name(),
			Topic:  string(env.Type),
			Reason: err.Error(),
		}, env.CorrelationID)
		log.Warn(log.CatRouter, "action declined",
			"action", b.Action.Name(), "topic", string(env.Type), "reason", err.Error())
		return
	}
	log.ErrorErr(log.CatRouter, "action failed", err,
		"action", b.Action.Name(), "topic", string(env.Type))
}
