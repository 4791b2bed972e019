package rpc

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/alphabill-org/consensus-observer/logger"
	"github.com/alphabill-org/consensus-observer/network"
)

type (
	NodeInfoResponse struct {
		Name            string     `json:"name"`
		Self            PeerInfo   `json:"self"`
		BootstrapNodes  []PeerInfo `json:"bootstrapNodes"`
		Publishers      []PeerInfo `json:"publishers"`      // connected peers which accept subscriptions
		OpenConnections []PeerInfo `json:"openConnections"` // all libp2p connections to other peers
	}

	PeerInfo struct {
		NodeID    string   `json:"nodeId"`
		Addresses []string `json:"addresses"`
		Latency   string   `json:"latency,omitempty"`
	}
)

func InfoEndpoints(name string, self *network.Peer, log *slog.Logger) RegistrarFunc {
	return func(r *mux.Router) {
		r.HandleFunc("/info", infoHandler(name, self, log)).Methods(http.MethodGet, http.MethodOptions)
	}
}

func infoHandler(name string, self *network.Peer, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, nodeInfo(name, self), log)
	}
}

func nodeInfo(name string, self *network.Peer) *NodeInfoResponse {
	info := &NodeInfoResponse{
		Name: name,
		Self: PeerInfo{NodeID: self.ID().String(), Addresses: addrStrings(self.MultiAddresses())},
	}
	for _, p := range self.Configuration().BootstrapPeers {
		info.BootstrapNodes = append(info.BootstrapNodes, PeerInfo{NodeID: p.ID.String(), Addresses: addrStrings(p.Addrs)})
	}
	peerStore := self.Network().Peerstore()
	for _, p := range network.NewPublisherSource(self).ConnectedPeers() {
		info.Publishers = append(info.Publishers, PeerInfo{
			NodeID:    p.ID.String(),
			Addresses: addrStrings(peerStore.PeerInfo(p.ID).Addrs),
			Latency:   p.Latency.String(),
		})
	}
	for _, conn := range self.Network().Conns() {
		info.OpenConnections = append(info.OpenConnections, PeerInfo{
			NodeID:    conn.RemotePeer().String(),
			Addresses: addrStrings([]ma.Multiaddr{conn.RemoteMultiaddr()}),
		})
	}
	return info
}

func addrStrings(addrs []ma.Multiaddr) []string {
	res := make([]string, len(addrs))
	for i, a := range addrs {
		res[i] = a.String()
	}
	return res
}

func writeJSON(w http.ResponseWriter, r *http.Request, data any, log *slog.Logger) {
	w.Header().Set(headerContentType, applicationJson)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		log.WarnContext(r.Context(), "failed to write response", logger.Error(err))
	}
}
