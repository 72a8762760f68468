package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/oplog"
)

const (
	defaultOplogPageSize = 100
	maxOplogPageSize     = 512
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	var resp errorResponse
	resp.Error.Message = msg
	writeJSON(w, status, resp)
}

func workerIDFromRequest(r *http.Request) (core.WorkerID, error) {
	vars := mux.Vars(r)
	return core.ParseWorkerID(vars["component_id"] + "/" + vars["worker_name"])
}

type workerStatusResponse struct {
	WorkerID string                  `json:"worker_id"`
	Record   core.WorkerStatusRecord `json:"record"`
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	workerID, err := workerIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := s.opts.Statuses.GetStatus(r.Context(), workerID)
	if err != nil {
		if errors.Is(err, core.ErrWorkerNotFound) {
			writeError(w, http.StatusNotFound, "worker not found")
			return
		}
		s.logger.Error("status read failed", "worker_id", workerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to derive worker status")
		return
	}

	if s.metrics != nil {
		s.metrics.statusReads.Inc()
	}
	writeJSON(w, http.StatusOK, workerStatusResponse{WorkerID: workerID.String(), Record: record})
}

type oplogQueryResponse struct {
	WorkerID  string              `json:"worker_id"`
	Entries   []oplog.PublicEntry `json:"entries"`
	LastIndex core.OplogIndex     `json:"last_index"`
	// Next is the index to pass as from for the following page. Zero when the
	// returned page reaches the end of the oplog.
	Next core.OplogIndex `json:"next,omitempty"`
}

func (s *Server) handleWorkerOplog(w http.ResponseWriter, r *http.Request) {
	workerID, err := workerIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	from := core.OplogIndexInitial
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			writeError(w, http.StatusBadRequest, "invalid from parameter")
			return
		}
		from = core.OplogIndex(n)
	}
	count := uint64(defaultOplogPageSize)
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil || n == 0 {
			writeError(w, http.StatusBadRequest, "invalid count parameter")
			return
		}
		if n > maxOplogPageSize {
			n = maxOplogPageSize
		}
		count = n
	}
	query := r.URL.Query().Get("query")

	exists, err := s.opts.Oplog.Exists(workerID)
	if err != nil {
		s.logger.Error("oplog existence check failed", "worker_id", workerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read oplog")
		return
	}
	if !exists {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}

	indexed, err := s.opts.Oplog.Read(workerID, from, count)
	if err != nil {
		s.logger.Error("oplog read failed", "worker_id", workerID, "from", from, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read oplog")
		return
	}
	lastIndex, err := s.opts.Oplog.GetLastIndex(workerID)
	if err != nil {
		s.logger.Error("oplog last index read failed", "worker_id", workerID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read oplog")
		return
	}

	entries := make([]oplog.PublicEntry, 0, len(indexed))
	for _, ie := range indexed {
		public := oplog.ToPublic(ie)
		if public.Matches(query) {
			entries = append(entries, public)
		}
	}

	resp := oplogQueryResponse{
		WorkerID:  workerID.String(),
		Entries:   entries,
		LastIndex: lastIndex,
	}
	// Pagination follows the raw read position, not the filtered entries:
	// a page full of non-matching entries still advances the cursor.
	if len(indexed) > 0 {
		lastRead := indexed[len(indexed)-1].Index
		if lastRead < lastIndex {
			resp.Next = lastRead.Next()
		}
	}

	if s.metrics != nil {
		s.metrics.oplogEntriesServed.Add(float64(len(entries)))
	}
	writeJSON(w, http.StatusOK, resp)
}

type runningWorkersResponse struct {
	Shard   core.ShardID `json:"shard"`
	Workers []string     `json:"workers"`
}

func (s *Server) handleRunningWorkers(w http.ResponseWriter, r *http.Request) {
	shardVar := mux.Vars(r)["shard"]
	n, err := strconv.ParseUint(shardVar, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid shard")
		return
	}
	shard := core.ShardID(n)
	if uint32(shard) >= s.opts.Statuses.ShardCount() {
		writeError(w, http.StatusBadRequest, "shard out of range")
		return
	}

	ids, err := s.opts.Statuses.ListRunning(shard)
	if err != nil {
		s.logger.Error("running set read failed", "shard", shard, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list running workers")
		return
	}
	workers := make([]string, 0, len(ids))
	for _, id := range ids {
		workers = append(workers, id.String())
	}
	writeJSON(w, http.StatusOK, runningWorkersResponse{Shard: shard, Workers: workers})
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Shards    uint32    `json:"shards"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Shards:    s.opts.Statuses.ShardCount(),
	})
}
