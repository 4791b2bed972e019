package types

// Names under which the on-chain configs are published in a reconfiguration.
const (
	ConfigValidatorSet     = "validator_set"
	ConfigConsensus        = "consensus"
	ConfigExecution        = "execution"
	ConfigRandomness       = "randomness"
	ConfigRandomnessSeqNum = "randomness_seq_num"
)

type (
	ConsensusConfig struct {
		_                  struct{} `cbor:",toarray"`
		QuorumStoreEnabled bool     `json:"quorum_store_enabled"`
		// number of rounds a leader is excluded after failing to propose
		ExcludeRoundLeaders uint64 `json:"exclude_round_leaders"`
	}

	ExecutionConfig struct {
		_                  struct{} `cbor:",toarray"`
		BlockGasLimit      uint64   `json:"block_gas_limit,omitempty"` // 0 means no limit
		TransactionShuffle string   `json:"transaction_shuffle"`
	}

	RandomnessConfig struct {
		_                    struct{} `cbor:",toarray"`
		Enabled              bool     `json:"enabled"`
		SecrecyThreshold     uint64   `json:"secrecy_threshold,omitempty"`
		ReconstructThreshold uint64   `json:"reconstruct_threshold,omitempty"`
	}

	RandomnessConfigSeqNum struct {
		_      struct{} `cbor:",toarray"`
		SeqNum uint64   `json:"seq_num"`
	}
)

func DefaultConsensusConfig() *ConsensusConfig {
	return &ConsensusConfig{QuorumStoreEnabled: true, ExcludeRoundLeaders: 40}
}

// DefaultExecutionConfig is used when the chain does not publish an execution config.
func DefaultExecutionConfig() *ExecutionConfig {
	return &ExecutionConfig{TransactionShuffle: "none"}
}

func DefaultRandomnessConfigSeqNum() *RandomnessConfigSeqNum {
	return &RandomnessConfigSeqNum{}
}

/*
RandomnessFromConfigs combines the locally configured override sequence
number with the on-chain randomness config. An override greater than the
on-chain sequence number turns randomness off, as does a missing config.
*/
func RandomnessFromConfigs(localSeqNum, onChainSeqNum uint64, cfg *RandomnessConfig) *RandomnessConfig {
	if localSeqNum > onChainSeqNum || cfg == nil {
		return &RandomnessConfig{Enabled: false}
	}
	return cfg
}
