package observer

import (
	"context"
	"errors"
	"fmt"

	"github.com/alphabill-org/consensus-observer/execution"
	"github.com/alphabill-org/consensus-observer/logger"
	"github.com/alphabill-org/consensus-observer/reconfig"
	"github.com/alphabill-org/consensus-observer/types"
)

/*
epochConfigs extracts the epoch state and on-chain configs from reconfiguration
notification. Missing or invalid validator set is fatal, for the other configs
defaults are used.
*/
func (o *Observer) epochConfigs(ctx context.Context, n *reconfig.Notification) execution.EpochStart {
	set, err := reconfig.Get[types.ValidatorSet](n, types.ConfigValidatorSet)
	if err != nil {
		panic(fmt.Sprintf("reconfiguration of epoch %d has no validator set: %v", n.Epoch, err))
	}
	es, err := types.NewEpochState(n.Epoch, set)
	if err != nil {
		panic(fmt.Sprintf("invalid validator set for epoch %d: %v", n.Epoch, err))
	}

	consensus, err := reconfig.Get[types.ConsensusConfig](n, types.ConfigConsensus)
	if err != nil {
		o.log.ErrorContext(ctx, "failed to read on-chain consensus config, using default", logger.Error(err), logger.Epoch(n.Epoch))
		consensus = types.DefaultConsensusConfig()
	}

	exec, err := reconfig.Get[types.ExecutionConfig](n, types.ConfigExecution)
	if err != nil {
		o.log.ErrorContext(ctx, "failed to read on-chain execution config, using default", logger.Error(err), logger.Epoch(n.Epoch))
		exec = types.DefaultExecutionConfig()
	}

	seqNum, err := reconfig.Get[types.RandomnessConfigSeqNum](n, types.ConfigRandomnessSeqNum)
	if err != nil {
		o.log.ErrorContext(ctx, "failed to read on-chain randomness config seq num, using default", logger.Error(err), logger.Epoch(n.Epoch))
		seqNum = types.DefaultRandomnessConfigSeqNum()
	}
	randomness, err := reconfig.Get[types.RandomnessConfig](n, types.ConfigRandomness)
	if err != nil {
		if !errors.Is(err, reconfig.ErrConfigNotFound) {
			o.log.ErrorContext(ctx, "failed to read on-chain randomness config", logger.Error(err), logger.Epoch(n.Epoch))
		}
		randomness = nil
	}

	var pm execution.PayloadManager = execution.DirectMempool{}
	if consensus.QuorumStoreEnabled {
		pm = payloadManager{store: o.payloads}
	}
	return execution.EpochStart{
		EpochState:       es,
		PayloadManager:   pm,
		ConsensusConfig:  consensus,
		ExecutionConfig:  exec,
		RandomnessConfig: types.RandomnessFromConfigs(o.conf.randomnessOverrideSeqNum, seqNum.SeqNum, randomness),
	}
}

// startEpoch makes the epoch of the notification the current epoch and starts it in the execution pipeline.
func (o *Observer) startEpoch(ctx context.Context, n *reconfig.Notification) {
	es := o.epochConfigs(ctx, n)
	o.epochState = es.EpochState
	o.quorumStoreEnabled = es.ConsensusConfig.QuorumStoreEnabled
	o.epoch.Store(es.EpochState.Epoch)
	o.log.InfoContext(ctx, fmt.Sprintf("starting %s", es.EpochState), logger.Epoch(n.Epoch))

	if err := o.exec.StartEpoch(ctx, es); err != nil {
		o.log.ErrorContext(ctx, "starting epoch in execution pipeline", logger.Error(err), logger.Epoch(n.Epoch))
	}
}

/*
waitForEpochStart blocks until reconfiguration notification for epoch "epoch"
(or later) is received. Older notifications are skipped.
*/
func waitForEpochStart(ctx context.Context, src reconfig.Source, epoch uint64) (*reconfig.Notification, error) {
	for {
		n, err := src.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for reconfiguration of epoch %d: %w", epoch, err)
		}
		if n.Epoch >= epoch {
			return n, nil
		}
	}
}
