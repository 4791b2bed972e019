package rpc

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/alphabill-org/consensus-observer/observer"
)

type StatusProvider interface {
	Status() observer.Status
}

// ObserverAPI is served as JSON-RPC "observer" namespace.
type ObserverAPI struct {
	node StatusProvider
}

func NewObserverAPI(node StatusProvider) *ObserverAPI {
	return &ObserverAPI{node: node}
}

func (s *ObserverAPI) GetStatus() (*observer.Status, error) {
	status := s.node.Status()
	return &status, nil
}

func StatusEndpoints(node StatusProvider, log *slog.Logger) RegistrarFunc {
	return func(r *mux.Router) {
		r.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, r, node.Status(), log)
		}).Methods(http.MethodGet, http.MethodOptions)
	}
}
