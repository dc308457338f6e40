package server

import (
	"net/http"
	"time"

	"github.com/Bboy9090/PhoenixCore/pkg/safety"
)

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	graph, err := s.provider.Enumerate(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, graph)
}

func (s *Server) handleDisks(w http.ResponseWriter, r *http.Request) {
	graph, err := s.provider.Enumerate(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, map[string]any{"graph_id": graph.GraphID, "disks": graph.Disks})
}

type mintRequest struct {
	DiskID     string `json:"disk_id"`
	Op         string `json:"op"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// handleMintToken issues a confirmation token for one destructive operation
// on one disk. The token value appears only in this response; the registry
// keeps a digest.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.DiskID == "" || req.Op == "" {
		writeBadRequest(w, "disk_id and op are required")
		return
	}
	ttl := s.cfg.TokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	graph, err := s.provider.Enumerate(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if _, ok := graph.FindDisk(req.DiskID); !ok {
		writeDomainError(w, safety.ErrUnknownDisk)
		return
	}

	minted, err := s.tokens.Mint(req.DiskID, req.Op, ttl)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, minted)
}
