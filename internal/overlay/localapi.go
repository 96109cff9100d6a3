package overlay

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
)

var (
	errMissingParam  = errors.New("overlay: missing required query parameter")
	errBadIdentifier = errors.New("overlay: malformed hex identifier")
)

// LocalAPI exposes a Node's routing state as a localhost-only HTTP debug
// surface, adapted from the donor's /local/* mux (its knowledge/compute/
// file endpoints replaced with routing-table, non-routing-table, and
// group-matrix introspection). Every identifier is hex-encoded; §4.1 reserves
// string conversion for logging and debugging only.
type LocalAPI struct {
	node *Node
}

// NewLocalAPI creates a LocalAPI wrapping node.
func NewLocalAPI(node *Node) *LocalAPI {
	return &LocalAPI{node: node}
}

// Handler returns an http.Handler routing the five debug endpoints. Mount
// it on a listener bound to localhost only; it is not meant to be exposed
// to the overlay transport or the public internet.
func (api *LocalAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/local/health", api.handleHealth)
	mux.HandleFunc("/local/table", api.handleTable)
	mux.HandleFunc("/local/nrt", api.handleNRT)
	mux.HandleFunc("/local/matrix", api.handleMatrix)
	mux.HandleFunc("/local/closest", api.handleClosest)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type peerView struct {
	NodeID   string `json:"node_id"`
	IsClient bool   `json:"is_client"`
	Rank     int32  `json:"rank"`
}

func toPeerView(p PeerInfo) peerView {
	return peerView{NodeID: hex.EncodeToString(p.NodeID[:]), IsClient: p.IsClient, Rank: p.Rank}
}

// handleHealth reports this node's id, run id, and table sizes.
// GET /local/health
func (api *LocalAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := api.node.ID()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"node_id":      hex.EncodeToString(id[:]),
		"run_id":       api.node.RunID(),
		"routing_size": api.node.RoutingTable().Size(),
		"nrt_size":     api.node.NonRoutingTable().Size(),
	})
}

// handleTable dumps the Routing Table, ordered by XOR distance from self.
// GET /local/table
func (api *LocalAPI) handleTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	self := api.node.ID()
	all := api.node.RoutingTable().GetClosest(self, api.node.RoutingTable().Size(), nil, false, false)
	peers := make([]peerView, 0, len(all))
	for _, p := range all {
		peers = append(peers, toPeerView(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

// handleNRT dumps the Non-Routing Table, oldest entry first.
// GET /local/nrt
func (api *LocalAPI) handleNRT(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	all := api.node.NonRoutingTable().All()
	peers := make([]peerView, 0, len(all))
	for _, p := range all {
		peers = append(peers, toPeerView(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

// handleMatrix reports the Group Matrix's stored closest-set for a peer.
// GET /local/matrix?peer=hex
func (api *LocalAPI) handleMatrix(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := parseHexID(r.URL.Query().Get("peer"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	list, ok := api.node.GroupMatrix().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no matrix entry for that peer")
		return
	}
	ids := make([]string, len(list))
	for i, l := range list {
		ids[i] = hex.EncodeToString(l[:])
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"closest": ids})
}

// handleClosest returns the k Routing Table peers closest to an arbitrary
// target, the same query fan-out and leadership decisions ultimately rest
// on.
// GET /local/closest?target=hex&k=4
func (api *LocalAPI) handleClosest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	target, err := parseHexID(r.URL.Query().Get("target"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	k := DefaultClosest
	if ks := r.URL.Query().Get("k"); ks != "" {
		if v, err := parseUint(ks); err == nil && v > 0 {
			k = v
		}
	}
	closest := api.node.RoutingTable().GetClosest(target, k, nil, false, false)
	peers := make([]peerView, 0, len(closest))
	for _, p := range closest {
		peers = append(peers, toPeerView(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

func parseHexID(s string) (Identifier, error) {
	var id Identifier
	if s == "" {
		return id, errMissingParam
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != IDLength {
		return id, errBadIdentifier
	}
	copy(id[:], b)
	return id, nil
}

func parseUint(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errBadIdentifier
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
