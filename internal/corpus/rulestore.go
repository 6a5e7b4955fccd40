// Package corpus holds the in-memory rule snapshot and the structural matcher
// that answers incoming messages with learned replies.
package corpus

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/BTreeMap/CorpusPipe/internal/models"
	"github.com/BTreeMap/CorpusPipe/internal/store"
)

// RuleStore keeps the active rules in memory. Readers never block: All returns
// whichever complete snapshot was current when it was called.
type RuleStore struct {
	repo     store.RuleRepo
	snapshot atomic.Pointer[snapshot]
	reloads  singleflight.Group
	// epoch counts storage reads started. A read joins only a flight that
	// started after the caller arrived.
	epoch atomic.Uint64
}

type snapshot struct {
	epoch uint64
	rules []models.Rule
}

// NewRuleStore creates an empty RuleStore backed by repo. Call Reload to populate it.
func NewRuleStore(repo store.RuleRepo) *RuleStore {
	s := &RuleStore{repo: repo}
	s.snapshot.Store(&snapshot{rules: []models.Rule{}})
	return s
}

// Reload replaces the snapshot with the active rules from storage. On failure
// the previous snapshot is kept and a *models.StorageError is returned.
//
// When Reload returns nil, the snapshot reflects every write that completed
// before the call. Concurrent callers that arrive before a read starts share
// it; a caller arriving during a read waits for the next one.
func (s *RuleStore) Reload(ctx context.Context) error {
	key := strconv.FormatUint(s.epoch.Load(), 10)
	ch := s.reloads.DoChan(key, func() (interface{}, error) {
		epoch := s.epoch.Add(1)
		// The read is shared, so it must not die with the first caller's context.
		rules, err := s.repo.FindAllActive(context.WithoutCancel(ctx))
		if err != nil {
			return nil, &models.StorageError{Op: "reload", Cause: err}
		}
		if rules == nil {
			rules = []models.Rule{}
		}
		s.publish(&snapshot{epoch: epoch, rules: rules})
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return &models.StorageError{Op: "reload", Cause: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			slog.Error("RuleStore.Reload: keeping previous snapshot", "error", res.Err, "rules", len(s.All()))
			return res.Err
		}
		slog.Debug("RuleStore.Reload: snapshot replaced", "rules", len(s.All()), "shared", res.Shared)
		return nil
	}
}

// publish installs next unless a read that started later already landed.
func (s *RuleStore) publish(next *snapshot) {
	for {
		cur := s.snapshot.Load()
		if cur.epoch > next.epoch {
			return
		}
		if s.snapshot.CompareAndSwap(cur, next) {
			return
		}
	}
}

// All returns the current snapshot. Callers must not modify it.
func (s *RuleStore) All() []models.Rule {
	return s.snapshot.Load().rules
}
