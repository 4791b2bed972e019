package rpc

import (
	"github.com/alphabill-org/consensus-observer/network"
)

// AdminAPI is served as JSON-RPC "admin" namespace.
type AdminAPI struct {
	name string
	self *network.Peer
}

func NewAdminAPI(name string, self *network.Peer) *AdminAPI {
	return &AdminAPI{name: name, self: self}
}

// GetNodeInfo returns the identity of the node and its peers.
func (s *AdminAPI) GetNodeInfo() (*NodeInfoResponse, error) {
	return nodeInfo(s.name, s.self), nil
}
