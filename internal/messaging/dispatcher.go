// Package messaging provides the transport abstraction and the priority-ordered
// event dispatcher that feeds inbound chat messages to the corpus handlers.
package messaging

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/BTreeMap/CorpusPipe/internal/store"
)

// Handler priorities used by CorpusPipe. Higher runs first.
const (
	PriorityCommand     = 1000
	PriorityInterceptor = 999
	PriorityMatcher     = 1
)

// Dispatcher defaults.
const (
	// DefaultWorkers is the number of per-user sequencers a Dispatcher runs.
	DefaultWorkers = 8
	// DefaultPruneInterval is how often recorded inbound events are pruned.
	DefaultPruneInterval = time.Hour
)

// EventHandler processes an inbound event. Returning handled=true stops the
// event from reaching lower-priority handlers.
type EventHandler func(ctx context.Context, ev models.MessageEvent) (handled bool, err error)

type registeredHandler struct {
	name     string
	priority int
	handle   EventHandler
}

// Dispatcher offers each inbound event to its handlers in priority order.
// Events of one user are processed strictly in arrival order; events of
// different users may be processed concurrently, so a slow handler only
// delays the user it is working for.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []registeredHandler
	dedup    store.DedupRepo
	workers  int

	retention     time.Duration
	pruneInterval time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDedup drops events whose ID was already recorded in repo.
func WithDedup(repo store.DedupRepo) DispatcherOption {
	return func(d *Dispatcher) {
		d.dedup = repo
	}
}

// WithEventRetention sets how long recorded event ids are kept before pruning.
func WithEventRetention(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.retention = d
		}
	}
}

// WithWorkers sets the number of per-user sequencers. One makes dispatch fully serial.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		workers:       DefaultWorkers,
		retention:     store.DefaultEventRetention,
		pruneInterval: DefaultPruneInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a handler. Handlers with equal priority run in registration order.
func (d *Dispatcher) Register(name string, priority int, h EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, registeredHandler{name: name, priority: priority, handle: h})
	sort.SliceStable(d.handlers, func(i, j int) bool {
		return d.handlers[i].priority > d.handlers[j].priority
	})
	slog.Debug("Dispatcher.Register", "name", name, "priority", priority)
}

// Dispatch runs the handler chain for a single event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.MessageEvent) {
	dedup := d.dedup != nil && ev.ID != ""
	if dedup {
		fresh, err := d.dedup.RecordEvent(ctx, ev.Chat.Platform, ev.ID, ev.UserID)
		if err != nil {
			// Better to risk a duplicate than to drop a message.
			slog.Error("Dispatcher.Dispatch: dedup record failed", "error", err, "platform", ev.Chat.Platform, "eventID", ev.ID)
		} else if !fresh {
			slog.Debug("Dispatcher.Dispatch: duplicate event dropped", "platform", ev.Chat.Platform, "eventID", ev.ID)
			return
		}
	}

	d.mu.RLock()
	chain := make([]registeredHandler, len(d.handlers))
	copy(chain, d.handlers)
	d.mu.RUnlock()

	handledBy := ""
	for _, h := range chain {
		handled, err := h.handle(ctx, ev)
		if err != nil {
			slog.Warn("Dispatcher.Dispatch: handler reported error", "handler", h.name, "error", err, "userID", ev.UserID)
		}
		if handled {
			handledBy = h.name
			slog.Debug("Dispatcher.Dispatch: event handled", "handler", h.name, "userID", ev.UserID)
			break
		}
	}

	if dedup && handledBy != "" {
		if err := d.dedup.MarkHandled(ctx, ev.Chat.Platform, ev.ID, handledBy); err != nil {
			slog.Warn("Dispatcher.Dispatch: mark handled failed", "error", err, "eventID", ev.ID)
		}
	}
}

// pruneLoop forgets old inbound events once at start and then every pruneInterval.
func (d *Dispatcher) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(d.pruneInterval)
	defer ticker.Stop()
	for {
		n, err := d.dedup.PruneEvents(ctx, time.Now().Add(-d.retention))
		if err != nil {
			slog.Warn("Dispatcher.pruneLoop: prune failed", "error", err)
		} else if n > 0 {
			slog.Debug("Dispatcher.pruneLoop: pruned inbound events", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run consumes the events of every service until ctx is cancelled or all
// event channels are closed.
func (d *Dispatcher) Run(ctx context.Context, services ...Service) {
	slog.Info("Dispatcher.Run: starting", "services", len(services), "workers", d.workers)

	queues := make([]chan models.MessageEvent, d.workers)
	var workers sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan models.MessageEvent, 64)
		workers.Add(1)
		go func(q <-chan models.MessageEvent) {
			defer workers.Done()
			for ev := range q {
				d.Dispatch(ctx, ev)
			}
		}(queues[i])
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	var pruner sync.WaitGroup
	if d.dedup != nil {
		pruner.Add(1)
		go func() {
			defer pruner.Done()
			d.pruneLoop(pruneCtx)
		}()
	}

	var readers sync.WaitGroup
	for _, svc := range services {
		readers.Add(1)
		go func(svc Service) {
			defer readers.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-svc.Events():
					if !ok {
						slog.Debug("Dispatcher.Run: events channel closed", "platform", svc.Platform())
						return
					}
					select {
					case queues[d.shard(ev)] <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(svc)
	}

	readers.Wait()
	stopPrune()
	pruner.Wait()
	for _, q := range queues {
		close(q)
	}
	workers.Wait()
	slog.Info("Dispatcher.Run: stopped")
}

// shard pins every user to one worker so that user's events stay ordered.
func (d *Dispatcher) shard(ev models.MessageEvent) int {
	h := fnv.New32a()
	h.Write([]byte(ev.Chat.Platform))
	h.Write([]byte{0})
	h.Write([]byte(ev.UserID))
	return int(h.Sum32() % uint32(d.workers))
}
