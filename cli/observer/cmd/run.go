package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alphabill-org/consensus-observer/execution"
	"github.com/alphabill-org/consensus-observer/keyvaluedb/boltdb"
	"github.com/alphabill-org/consensus-observer/ledger"
	"github.com/alphabill-org/consensus-observer/logger"
	"github.com/alphabill-org/consensus-observer/network"
	"github.com/alphabill-org/consensus-observer/observer"
	"github.com/alphabill-org/consensus-observer/reconfig"
	"github.com/alphabill-org/consensus-observer/rpc"
)

const (
	defaultAddress          = "/ip4/127.0.0.1/tcp/26652"
	defaultGenesisFileName  = "genesis.json"
	defaultLedgerDBFileName = "ledger.db"
	nodeName                = "consensus-observer"
)

type runConfig struct {
	Base *baseConfiguration

	KeyFile       string
	GenesisFile   string
	DBFile        string
	Address       string
	AnnounceAddrs []string
	BootNodes     string

	NetworkChannelSize uint
	SendTimeout        time.Duration
	DiscoveryInterval  time.Duration
	PipelineQueueSize  int
	ReconfigQueueSize  int

	ProgressCheckInterval          time.Duration
	MaxNumPendingBlocks            int
	MaxSubscriptionTimeout         time.Duration
	MaxSyncedVersionTimeout        time.Duration
	SubscriptionPeerChangeInterval time.Duration
	LogMessagesAtInfo              bool
	RandomnessOverrideSeqNum       uint64

	RPCServer rpc.ServerConfiguration
}

func newRunCmd(base *baseConfiguration) *cobra.Command {
	conf := &runConfig{Base: base}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts the consensus observer node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runObserver(cmd.Context(), conf)
		},
	}
	conf.addFlags(cmd)
	return cmd
}

func (c *runConfig) addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&c.KeyFile, keyFileCmdFlag, "k", "", fmt.Sprintf("path to the key file (default $OBS_HOME/%s), generated when missing", defaultKeysFileName))
	flags.StringVar(&c.GenesisFile, "genesis", "", fmt.Sprintf("path to the genesis file (default $OBS_HOME/%s)", defaultGenesisFileName))
	flags.StringVar(&c.DBFile, "db", "", fmt.Sprintf("path to the ledger database file (default $OBS_HOME/%s)", defaultLedgerDBFileName))

	flags.StringVarP(&c.Address, "address", "a", defaultAddress, "address to listen for p2p connections, libp2p multiaddress format")
	flags.StringSliceVar(&c.AnnounceAddrs, "announce-addrs", nil, "addresses announced to the other peers instead of listen address, libp2p multiaddress format")
	flags.StringVar(&c.BootNodes, "bootnodes", "", "comma separated list of bootstrap nodes in the form of id@multiaddress")
	flags.UintVar(&c.NetworkChannelSize, "network-channel-size", 1000, "capacity of the channel of received messages")
	flags.DurationVar(&c.SendTimeout, "send-timeout", 300*time.Millisecond, "timeout of sending subscription requests")
	flags.DurationVar(&c.DiscoveryInterval, "discovery-interval", 30*time.Second, "how often to look for new publishers")

	flags.IntVar(&c.PipelineQueueSize, "pipeline-queue-size", 100, "capacity of the execution pipeline request queue")
	flags.IntVar(&c.ReconfigQueueSize, "reconfig-queue-size", 10, "capacity of the reconfiguration notification queue")

	flags.DurationVar(&c.ProgressCheckInterval, "progress-check-interval", observer.DefaultProgressCheckInterval, "how often the subscription health and sync progress are checked")
	flags.IntVar(&c.MaxNumPendingBlocks, "max-pending-blocks", observer.DefaultMaxNumPendingBlocks, "capacity of the pending block, payload and ordered block stores")
	flags.DurationVar(&c.MaxSubscriptionTimeout, "max-subscription-timeout", observer.DefaultMaxSubscriptionTimeout, "max time without messages from the publisher")
	flags.DurationVar(&c.MaxSyncedVersionTimeout, "max-synced-version-timeout", observer.DefaultMaxSyncedVersionTimeout, "max time without progress of the committed round")
	flags.DurationVar(&c.SubscriptionPeerChangeInterval, "subscription-peer-change-interval", observer.DefaultSubscriptionPeerChangeInterval, "age after which the subscription is moved to a better publisher")
	flags.BoolVar(&c.LogMessagesAtInfo, "log-messages-at-info", true, "log received messages on Info level instead of Debug")
	flags.Uint64Var(&c.RandomnessOverrideSeqNum, "randomness-override-seq-num", 0, "disables randomness when greater than the sequence number of the on-chain config")

	flags.StringVar(&c.RPCServer.Address, "rpc-server-address", "", "address to serve status, metrics and JSON-RPC on, \"host:port\". Disabled when empty")
	flags.DurationVar(&c.RPCServer.ReadTimeout, "rpc-server-read-timeout", 3*time.Second, "max duration for reading the entire request")
	flags.DurationVar(&c.RPCServer.ReadHeaderTimeout, "rpc-server-read-header-timeout", time.Second, "max duration for reading the request headers")
	flags.DurationVar(&c.RPCServer.WriteTimeout, "rpc-server-write-timeout", 5*time.Second, "max duration before timing out writes of the response")
	flags.DurationVar(&c.RPCServer.IdleTimeout, "rpc-server-idle-timeout", 30*time.Second, "max time to wait for the next request when keep-alives are enabled")
	flags.Int64Var(&c.RPCServer.MaxBodyBytes, "rpc-server-max-body", rpc.DefaultMaxBodyBytes, "max size of the request body")
	flags.IntVar(&c.RPCServer.BatchItemLimit, "rpc-server-batch-item-limit", rpc.DefaultBatchItemLimit, "max number of requests in a JSON-RPC batch")
	flags.IntVar(&c.RPCServer.BatchResponseSizeLimit, "rpc-server-batch-response-size-limit", rpc.DefaultBatchResponseSizeLimit, "max number of response bytes of a JSON-RPC batch")
}

func (c *runConfig) keyFile() string {
	if c.KeyFile != "" {
		return c.KeyFile
	}
	return c.Base.pathInHome(defaultKeysFileName)
}

func (c *runConfig) genesisFile() string {
	if c.GenesisFile != "" {
		return c.GenesisFile
	}
	return c.Base.pathInHome(defaultGenesisFileName)
}

func (c *runConfig) dbFile() string {
	if c.DBFile != "" {
		return c.DBFile
	}
	return c.Base.pathInHome(defaultLedgerDBFileName)
}

func (c *runConfig) observerOptions() []observer.Option {
	return []observer.Option{
		observer.WithProgressCheckInterval(c.ProgressCheckInterval),
		observer.WithMaxNumPendingBlocks(c.MaxNumPendingBlocks),
		observer.WithSubscriptionTimeouts(c.MaxSubscriptionTimeout, c.MaxSyncedVersionTimeout, c.SubscriptionPeerChangeInterval),
		observer.WithLogMessagesAtInfo(c.LogMessagesAtInfo),
		observer.WithRandomnessOverrideSeqNum(c.RandomnessOverrideSeqNum),
	}
}

// bootstrapNodes parses the "id@multiaddress" list of the bootnodes flag.
func (c *runConfig) bootstrapNodes() ([]peer.AddrInfo, error) {
	nodes := splitAndTrim(c.BootNodes)
	res := make([]peer.AddrInfo, len(nodes))
	for i, s := range nodes {
		id, addr, ok := strings.Cut(s, "@")
		if !ok {
			return nil, fmt.Errorf("invalid bootstrap node parameter: %s", s)
		}
		pid, err := peer.Decode(id)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap node id %q: %w", id, err)
		}
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap node address %q: %w", addr, err)
		}
		res[i] = peer.AddrInfo{ID: pid, Addrs: []ma.Multiaddr{maddr}}
	}
	return res, nil
}

// splitAndTrim splits input separated by a comma and trims excessive white space from the substrings.
func splitAndTrim(input string) (ret []string) {
	for _, s := range strings.Split(input, ",") {
		if s = strings.TrimSpace(s); s != "" {
			ret = append(ret, s)
		}
	}
	return ret
}

func runObserver(ctx context.Context, conf *runConfig) error {
	obs := conf.Base.observe
	log := obs.Logger()

	keys, err := LoadKeys(conf.keyFile(), true)
	if err != nil {
		return fmt.Errorf("loading keys: %w", err)
	}
	keyPair, err := keys.peerKeyPair()
	if err != nil {
		return fmt.Errorf("reading node key pair: %w", err)
	}
	genesis, err := ledger.LoadGenesis(conf.genesisFile())
	if err != nil {
		return err
	}

	db, err := boltdb.New(conf.dbFile())
	if err != nil {
		return fmt.Errorf("opening ledger database: %w", err)
	}
	defer db.Close()
	store, err := ledger.NewStore(db)
	if err != nil {
		return err
	}
	root, err := store.InitFromGenesis(genesis)
	if err != nil {
		return fmt.Errorf("initializing ledger: %w", err)
	}

	reconfigCh := reconfig.NewChannel(conf.ReconfigQueueSize)
	defer reconfigCh.Close()
	syncer := ledger.NewSyncer(store, reconfigCh, log)
	if err := syncer.PublishCurrentEpoch(ctx); err != nil {
		return fmt.Errorf("publishing configs of the current epoch: %w", err)
	}

	bootNodes, err := conf.bootstrapNodes()
	if err != nil {
		return err
	}
	peerConf, err := network.NewPeerConfiguration(conf.Address, conf.AnnounceAddrs, keyPair, bootNodes)
	if err != nil {
		return fmt.Errorf("creating peer configuration: %w", err)
	}
	self, err := network.NewPeer(ctx, peerConf, log, obs.PrometheusRegisterer())
	if err != nil {
		return fmt.Errorf("creating peer: %w", err)
	}
	defer func() {
		if err := self.Close(); err != nil {
			log.Error("closing peer", logger.Error(err))
		}
	}()
	net, err := network.NewLibP2PObserverNetwork(self, conf.NetworkChannelSize, conf.SendTimeout, obs)
	if err != nil {
		return fmt.Errorf("creating observer network: %w", err)
	}

	pipeline, err := execution.NewPipeline(root, execution.HashExecutor{}, store, syncer, conf.PipelineQueueSize, obs)
	if err != nil {
		return fmt.Errorf("creating execution pipeline: %w", err)
	}
	node, err := observer.NewObserver(
		self.ID(),
		root,
		net,
		network.NewPublisherSource(self),
		execution.NewPipelineClient(pipeline, syncer, log),
		reconfigCh,
		obs,
		conf.observerOptions()...,
	)
	if err != nil {
		return fmt.Errorf("creating consensus observer: %w", err)
	}
	log.InfoContext(ctx, "starting consensus observer", logger.NodeID(self.ID()), logger.Epoch(root.Epoch()), logger.Round(root.Round()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pipeline.Run(ctx) })
	g.Go(func() error { return node.Run(ctx) })
	g.Go(func() error { return discoverPublishers(ctx, self, conf.DiscoveryInterval, log) })

	if !conf.RPCServer.IsAddressEmpty() {
		conf.RPCServer.APIs = []rpc.API{
			{Namespace: "observer", Service: rpc.NewObserverAPI(node)},
			{Namespace: "admin", Service: rpc.NewAdminAPI(nodeName, self)},
		}
		srv, err := rpc.NewHTTPServer(&conf.RPCServer, obs,
			rpc.StatusEndpoints(node, log),
			rpc.InfoEndpoints(nodeName, self, log),
		)
		if err != nil {
			return fmt.Errorf("creating HTTP server: %w", err)
		}
		g.Go(func() error {
			log.InfoContext(ctx, fmt.Sprintf("starting HTTP server on %s", srv.Addr))
			return httpsrv.Run(ctx, *srv, httpsrv.ShutdownTimeout(5*time.Second))
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

/*
discoverPublishers connects to the bootstrap nodes and then periodically looks
for the publishers in the DHT until ctx is cancelled.
*/
func discoverPublishers(ctx context.Context, self *network.Peer, interval time.Duration, log *slog.Logger) error {
	if err := self.BootstrapConnect(ctx, log); err != nil {
		log.WarnContext(ctx, "connecting to bootstrap nodes", logger.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := self.ConnectPublishers(ctx, log)
		if err != nil {
			log.DebugContext(ctx, "looking for publishers", logger.Error(err))
		} else if n > 0 {
			log.InfoContext(ctx, fmt.Sprintf("connected to %d new publishers", n))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
