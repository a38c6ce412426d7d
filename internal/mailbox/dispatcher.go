package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/monoco-io/monoco/internal/events"
	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
)

// ProviderAdapter packs a message onto a provider's wire. Concrete codecs
// (DingTalk, Lark, SMTP) live outside the core; the daemon only needs this
// contract.
type ProviderAdapter interface {
	// Name is the provider key messages address (`provider` preamble field).
	Name() string
	// Send dispatches one outbound message.
	Send(ctx context.Context, m *Message) error
}

// IngressDecoder unpacks one provider webhook body into the common schema.
// Providers without a registered decoder fall back to ParseMessage: the body
// is expected to already be in the canonical file format.
type IngressDecoder interface {
	Name() string
	Decode(body []byte) (*Message, error)
}

// AdapterRegistry maps provider names to outbound adapters and inbound
// decoders.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]ProviderAdapter
	decoders map[string]IngressDecoder
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		adapters: make(map[string]ProviderAdapter),
		decoders: make(map[string]IngressDecoder),
	}
}

// Register adds an adapter; later registrations for a name win.
func (r *AdapterRegistry) Register(a ProviderAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get looks up the adapter for a provider.
func (r *AdapterRegistry) Get(provider string) (ProviderAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[provider]
	return a, ok
}

// RegisterDecoder adds an ingress decoder; later registrations win.
func (r *AdapterRegistry) RegisterDecoder(d IngressDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[d.Name()] = d
}

// Decode unpacks a webhook body for the provider, falling back to the
// canonical message codec when no decoder is registered.
func (r *AdapterRegistry) Decode(provider string, body []byte) (*Message, error) {
	r.mu.RLock()
	d, ok := r.decoders[provider]
	r.mu.RUnlock()
	if ok {
		return d.Decode(body)
	}
	m, err := ParseMessage(body)
	if err != nil {
		return nil, err
	}
	m.Provider = provider
	return m, nil
}

// Dispatcher is the background outbound processor: it polls
// outbound/<provider>/, dispatches ready messages via the registered
// adapter, and applies the retry/dead-letter policy.
type Dispatcher struct {
	store    *Store
	registry *AdapterRegistry
	policy   RetryPolicy
	bus      *events.Bus
	interval time.Duration

	mu       sync.Mutex
	inFlight map[string]bool // per-file lock

	done chan struct{}
	wg   sync.WaitGroup
}

// DispatcherConfig configures the outbound dispatcher.
type DispatcherConfig struct {
	Store    *Store
	Registry *AdapterRegistry
	Policy   RetryPolicy
	Bus      *events.Bus
	// Interval is the poll cadence. Default 2s.
	Interval time.Duration
}

// NewDispatcher creates the outbound dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Dispatcher{
		store:    cfg.Store,
		registry: cfg.Registry,
		policy:   cfg.Policy,
		bus:      cfg.Bus,
		interval: interval,
		inFlight: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	log.SafeGo("mailbox.dispatcher", func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			case <-ticker.C:
				d.sweep(ctx)
			}
		}
	})
}

// Stop halts the loop and waits for in-flight dispatches.
func (d *Dispatcher) Stop() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	d.wg.Wait()
}

// sweep dispatches every ready outbound message once.
func (d *Dispatcher) sweep(ctx context.Context) {
	for _, provider := range d.store.Providers(dirOutbound) {
		messages, err := d.store.ListDir(d.store.OutboundDir(provider))
		if err != nil {
			log.ErrorErr(log.CatMailbox, "outbound sweep failed", err, "provider", provider)
			continue
		}
		for _, m := range messages {
			if m.NextRetryAt != nil && m.NextRetryAt.After(time.Now()) {
				continue
			}
			if !d.tryAcquire(m.Path) {
				continue
			}
			d.dispatch(ctx, m)
			d.release(m.Path)
		}
	}
}

func (d *Dispatcher) tryAcquire(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[path] {
		return false
	}
	d.inFlight[path] = true
	return true
}

func (d *Dispatcher) release(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, path)
}

func (d *Dispatcher) dispatch(ctx context.Context, m *Message) {
	adapter, ok := d.registry.Get(m.Provider)
	var err error
	if !ok {
		// Unknown provider counts as a retryable failure: the adapter may
		// register on a later daemon start.
		err = fault.Newf(fault.Precondition, "no adapter registered for provider %s", m.Provider)
	} else {
		err = adapter.Send(ctx, m)
	}

	if err == nil {
		now := time.Now()
		m.SentAt = &now
		m.Status = StatusSent
		if archiveErr := d.store.MoveToArchive(m); archiveErr != nil {
			log.ErrorErr(log.CatMailbox, "archiving sent message failed", archiveErr, "id", m.ID)
			return
		}
		log.Info(log.CatMailbox, "outbound message sent", "id", m.ID, "provider", m.Provider)
		if d.bus != nil {
			events.Publish(d.bus, events.MailboxSent{
				Provider: m.Provider, MessageID: m.ID, Path: m.Path,
			})
		}
		return
	}

	m.RetryCount++
	m.ErrorMsg = err.Error()
	if m.RetryCount > d.policy.MaxRetries {
		if dlErr := d.store.MoveToDeadletter(m); dlErr != nil {
			log.ErrorErr(log.CatMailbox, "dead-lettering failed", dlErr, "id", m.ID)
			return
		}
		log.Warn(log.CatMailbox, "outbound message dead-lettered",
			"id", m.ID, "provider", m.Provider, "retries", m.RetryCount)
		if d.bus != nil {
			events.Publish(d.bus, events.MailboxDeadletter{
				Provider: m.Provider, MessageID: m.ID, Path: m.Path, Reason: err.Error(),
			})
		}
		return
	}

	next := time.Now().Add(d.policy.Delay(m.RetryCount))
	m.NextRetryAt = &next
	if rwErr := d.store.Rewrite(m); rwErr != nil {
		log.ErrorErr(log.CatMailbox, "recording retry failed", rwErr, "id", m.ID)
		return
	}
	log.Info(log.CatMailbox, "outbound dispatch failed, retry scheduled",
		"id", m.ID, "provider", m.Provider, "retries", m.RetryCount, "error", err)
}

// Send validates a draft and atomically moves it into outbound/<provider>/.
// Missing id and timestamps are assigned; the draft file is removed once
// the outbound copy exists.
func (d *Dispatcher) Send(draftPath string) (*Message, error) {
	m, err := d.store.Load(draftPath)
	if err != nil {
		return nil, err
	}
	return d.Submit(m, draftPath)
}

// Submit places an already-parsed draft onto the outbound queue.
func (d *Dispatcher) Submit(m *Message, draftPath string) (*Message, error) {
	m.Direction = DirectionOutbound
	if m.ID == "" {
		m.ID = uuid.NewString()[:8]
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if _, err := d.store.Write(d.store.OutboundDir(m.Provider), m); err != nil {
		return nil, err
	}
	if draftPath != "" && draftPath != m.Path {
		_ = remove(draftPath)
	}
	log.Info(log.CatMailbox, "draft queued for dispatch", "id", m.ID, "provider", m.Provider)
	return m, nil
}
