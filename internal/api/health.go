package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"exoneum.core/exc/internal/discovery"
	"exoneum.core/exc/internal/docs"
	"exoneum.core/exc/internal/ledger"
	"exoneum.core/exc/internal/logger"
	"exoneum.core/exc/internal/types"
)

const defaultLogCount = 100

// StateResponse summarizes the latest committed state.
type StateResponse struct {
	Height    int64        `json:"height"`
	AppHash   types.Hash   `json:"app_hash"`
	StateHash []types.Hash `json:"state_hash"`
	Time      *time.Time   `json:"time,omitempty"`
	Users     int          `json:"users"`
}

// @Title: Get Health
// @Route: GET /v1/health
// @Description: Returns server health status and the committed height
// @Response: {"status": "ok", "height": 3}
func (s *Service) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"height": s.ledger.Snapshot().Height(),
	})
}

// @Title: Get Version
// @Route: GET /v1/version
// @Description: Returns the node version and the service it runs
// @Response: {"version": "...", "service_id": 9999, "service_name": "exoneum_core"}
func (s *Service) HandleVersion(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":      types.Version,
		"build_time":   types.BuildTime,
		"service_id":   types.ServiceID,
		"service_name": types.ServiceName,
		"hostname":     hostname,
		"go_ver":       runtime.Version(),
		"os_arch":      fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	})
}

// @Title: Get State
// @Route: GET /v1/state
// @Description: Returns the committed height, the app hash and the table roots it folds
// @Response: {"height": 3, "app_hash": "...", "state_hash": ["..."], "time": "...", "users": 2}
func (s *Service) HandleState(w http.ResponseWriter, r *http.Request) {
	snap := s.ledger.Snapshot()
	schema := ledger.NewSchema(snap)

	resp := StateResponse{
		Height:    snap.Height(),
		AppHash:   ledger.AppHash(snap),
		StateHash: schema.StateHash(),
		Users:     schema.Users().Len(),
	}
	if now, ok := snap.TimeFact(); ok {
		resp.Time = &now
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// @Title: Get Node Logs
// @Route: GET /v1/node/logs?n=...
// @Description: Returns the most recent log messages, newest first
// @Response: [{"timestamp": "...", "text": "...", "level": "info"}]
func (s *Service) HandleNodeLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogCount
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "Invalid message count")
			return
		}
		n = parsed
	}

	messages := []logger.Message{}
	if s.ring != nil {
		messages = s.ring.GetRecent(n)
	}
	s.writeJSON(w, http.StatusOK, messages)
}

// @Title: List Peers
// @Route: GET /v1/node/peers
// @Description: Lists exoneum nodes discovered on the local network over mDNS
// @Response: [{"instance": "...", "hostname": "...", "port": 8080, "addrs": ["..."]}]
func (s *Service) HandlePeers(w http.ResponseWriter, r *http.Request) {
	peers := []discovery.Peer{}
	if s.peers != nil {
		peers = s.peers.Peers()
	}
	s.writeJSON(w, http.StatusOK, peers)
}

// @Title: List Backups
// @Route: GET /v1/node/backups
// @Description: List all available database backups, newest first
// @Response: [{"filename": "...", "timestamp": "...", "size": 8192}]
func (s *Service) HandleBackupsList(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Backups not available")
		return
	}
	files, err := s.backups.Backups()
	if err != nil {
		s.log.WithError(err).Error("list backups")
		s.writeError(w, http.StatusInternalServerError, "Failed to list backups")
		return
	}
	s.writeJSON(w, http.StatusOK, files)
}

// @Title: Create Backup
// @Route: POST /v1/node/backups
// @Description: Writes a consistent copy of the database to the backup directory
// @Response: {"status": "ok", "filename": "..."}
func (s *Service) HandleBackupCreate(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Backups not available")
		return
	}
	path, err := s.backups.BackupCurrent(s.maxBackups)
	if err != nil {
		s.log.WithError(err).Error("create backup")
		s.writeError(w, http.StatusInternalServerError, "Failed to create backup")
		return
	}
	s.log.WithField("path", path).Info("backup created")
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"status":   "ok",
		"filename": filepath.Base(path),
	})
}

// @Title: Download Database
// @Route: GET /v1/node/backup/download
// @Description: Download a consistent SQLite copy of the node database
// @Response: application/octet-stream file download
func (s *Service) HandleBackupDownload(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Backups not available")
		return
	}
	data, err := s.backups.ExportSnapshot()
	if err != nil {
		s.log.WithError(err).Error("export database")
		s.writeError(w, http.StatusInternalServerError, "Failed to export database")
		return
	}

	filename := fmt.Sprintf("exoneum-%d-%s.db", s.ledger.Snapshot().Height(), time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
	s.log.WithField("filename", filename).Info("served database download")
}

// @Title: List Docs
// @Route: GET /v1/docs
// @Description: Lists the available documentation pages
// @Response: {"docs": ["api.adoc"]}
func (s *Service) HandleDocsList(w http.ResponseWriter, r *http.Request) {
	list := []string{}
	if s.docs != nil {
		var err error
		if list, err = s.docs.ListDocs(); err != nil {
			s.log.WithError(err).Error("list docs")
			s.writeError(w, http.StatusInternalServerError, "Failed to list docs")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"docs": list})
}

// @Title: Get Doc
// @Route: GET /v1/docs/{name}
// @Description: Renders a documentation page to HTML
// @Response: text/html fragment
func (s *Service) HandleDoc(w http.ResponseWriter, r *http.Request) {
	if s.docs == nil {
		s.writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	html, err := s.docs.GetDoc(r.Context(), mux.Vars(r)["name"])
	if errors.Is(err, docs.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Document not found")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("render doc")
		s.writeError(w, http.StatusInternalServerError, "Failed to render document")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}
