package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alphabill-org/consensus-observer/logger"
	"github.com/alphabill-org/consensus-observer/reconfig"
	"github.com/alphabill-org/consensus-observer/types"
)

type Publisher interface {
	Publish(ctx context.Context, n *reconfig.Notification) error
}

/*
Syncer brings the ledger of the node to the given ledger info and publishes
reconfiguration notifications of the epochs the ledger moves into.

Each epoch is published once, notifications of the epochs older than the
last published one are not repeated.
*/
type Syncer struct {
	store     *Store
	publisher Publisher
	log       *slog.Logger

	mu            sync.Mutex
	lastPublished uint64
}

func NewSyncer(store *Store, publisher Publisher, log *slog.Logger) *Syncer {
	return &Syncer{store: store, publisher: publisher, log: log}
}

/*
SyncTo saves the target as the latest ledger info. When the target ends an
epoch the configs of the next epoch are derived from it and published,
otherwise the configs of the target epoch are published when known.
*/
func (s *Syncer) SyncTo(ctx context.Context, target *types.LedgerInfoWithSignatures) error {
	if err := target.IsValid(); err != nil {
		return fmt.Errorf("invalid sync target: %w", err)
	}
	if err := s.store.SaveLedgerInfo(target); err != nil {
		if !errors.Is(err, ErrStaleLedgerInfo) {
			return err
		}
		s.log.WarnContext(ctx, fmt.Sprintf("ledger is already past the sync target %s", target.CommitInfo()), logger.Error(err))
	}

	if target.CommitInfo().EndsEpoch() {
		return s.PublishEpochChange(ctx, target)
	}
	return s.publishKnown(ctx, target.Epoch())
}

/*
PublishEpochChange saves and publishes the configs of the epoch which starts
after "li". Validator set comes from the ledger info, the rest of the configs
are carried over from the ending epoch.
*/
func (s *Syncer) PublishEpochChange(ctx context.Context, li *types.LedgerInfoWithSignatures) error {
	bi := li.CommitInfo()
	if !bi.EndsEpoch() {
		return fmt.Errorf("ledger info %s does not end an epoch", bi)
	}
	next := bi.NextEpochState
	if next.Verifier == nil {
		return fmt.Errorf("next epoch state of %s has no validators", bi)
	}
	n, err := reconfig.NewNotification(next.Epoch, map[string]any{types.ConfigValidatorSet: next.Verifier.ValidatorSet()})
	if err != nil {
		return fmt.Errorf("creating configs of epoch %d: %w", next.Epoch, err)
	}

	prev, err := s.store.EpochConfigs(bi.Epoch)
	switch {
	case err == nil:
		for name, cfg := range prev.Configs {
			if _, ok := n.Configs[name]; !ok {
				n.Configs[name] = cfg
			}
		}
	case errors.Is(err, ErrEpochConfigsNotFound):
		s.log.WarnContext(ctx, fmt.Sprintf("configs of epoch %d are not known, epoch %d starts with default configs", bi.Epoch, next.Epoch), logger.Epoch(next.Epoch))
	default:
		return err
	}

	if err := s.store.SaveEpochConfigs(n); err != nil {
		return err
	}
	return s.publish(ctx, n)
}

/*
PublishCurrentEpoch publishes the configs of the epoch the latest ledger info
belongs to, for the epoch ending ledger info it is the next epoch. Called on
startup so that the observer can start the epoch.
*/
func (s *Syncer) PublishCurrentEpoch(ctx context.Context) error {
	li, err := s.store.LatestLedgerInfo()
	if err != nil {
		return err
	}
	epoch := li.Epoch()
	if li.CommitInfo().EndsEpoch() {
		epoch = li.CommitInfo().NextEpochState.Epoch
	}
	n, err := s.store.EpochConfigs(epoch)
	if err != nil {
		return err
	}
	return s.publish(ctx, n)
}

func (s *Syncer) publishKnown(ctx context.Context, epoch uint64) error {
	n, err := s.store.EpochConfigs(epoch)
	if err != nil {
		if errors.Is(err, ErrEpochConfigsNotFound) {
			s.log.WarnContext(ctx, fmt.Sprintf("configs of epoch %d are not known", epoch), logger.Epoch(epoch))
			return nil
		}
		return err
	}
	return s.publish(ctx, n)
}

func (s *Syncer) publish(ctx context.Context, n *reconfig.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.Epoch <= s.lastPublished {
		s.log.DebugContext(ctx, fmt.Sprintf("configs of epoch %d have been already published", n.Epoch))
		return nil
	}
	if err := s.publisher.Publish(ctx, n); err != nil {
		return fmt.Errorf("publishing configs of epoch %d: %w", n.Epoch, err)
	}
	s.lastPublished = n.Epoch
	s.log.InfoContext(ctx, fmt.Sprintf("published configs of epoch %d", n.Epoch), logger.Epoch(n.Epoch))
	return nil
}
