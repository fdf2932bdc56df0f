// Package api implements the node's HTTP interface: user queries against the
// latest committed snapshot, transaction submission to the consensus engine,
// and node operations (logs, backups, docs, commit feed).
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"exoneum.core/exc/internal/discovery"
	"exoneum.core/exc/internal/docs"
	"exoneum.core/exc/internal/ledger"
	"exoneum.core/exc/internal/logger"
	"exoneum.core/exc/internal/metrics"
	"exoneum.core/exc/internal/storage"
	"exoneum.core/exc/internal/types"
)

// TxSender hands signed transaction bytes to the consensus engine.
type TxSender interface {
	SendTx(ctx context.Context, tx []byte) (types.Hash, error)
}

// Backups manages copies of the node database.
type Backups interface {
	BackupCurrent(maxBackups int) (string, error)
	Backups() ([]storage.BackupFile, error)
	ExportSnapshot() ([]byte, error)
}

// PeerLister reports nodes found on the local network.
type PeerLister interface {
	Peers() []discovery.Peer
}

// Options configure a Service. Ledger and Sender are required.
type Options struct {
	Ledger     *ledger.Store
	Sender     TxSender
	Backups    Backups
	Peers      PeerLister
	Ring       *logger.Ring
	Docs       *docs.Service
	Log        *logrus.Entry
	RateLimit  float64 // POST requests per second per client, 0 disables
	RateBurst  int
	MaxBackups int
}

// Service handles API requests
type Service struct {
	ledger     *ledger.Store
	sender     TxSender
	backups    Backups
	peers      PeerLister
	ring       *logger.Ring
	docs       *docs.Service
	log        *logrus.Entry
	limiter    *RateLimiter
	commits    *commitBroker
	maxBackups int
}

// NewService creates a new API service
func NewService(opts Options) *Service {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{
		ledger:     opts.Ledger,
		sender:     opts.Sender,
		backups:    opts.Backups,
		peers:      opts.Peers,
		ring:       opts.Ring,
		docs:       opts.Docs,
		log:        log.WithField("component", "api"),
		commits:    newCommitBroker(),
		maxBackups: opts.MaxBackups,
	}
	if opts.RateLimit > 0 {
		s.limiter = NewRateLimiter(opts.RateLimit, opts.RateBurst, s.log)
	}
	return s
}

// Router returns the HTTP handler serving every route.
func (s *Service) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.requestID, s.requestLogger, metrics.Middleware)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.NotFoundHandler = r.NotFoundHandler
	v1.MethodNotAllowedHandler = r.MethodNotAllowedHandler

	v1.HandleFunc("/users", s.HandleUsers).Methods(http.MethodGet)
	v1.HandleFunc("/user/{public_key}", s.HandleUser).Methods(http.MethodGet)
	v1.HandleFunc("/user/{public_key}/proof", s.HandleUserProof).Methods(http.MethodGet)

	var submit http.Handler = http.HandlerFunc(s.HandleSubmitTransaction)
	if s.limiter != nil {
		submit = s.limiter.Handler(submit)
	}
	v1.Handle("/transaction", submit).Methods(http.MethodPost)
	v1.HandleFunc("/transaction/{tx_hash}", s.HandleTransaction).Methods(http.MethodGet)
	v1.HandleFunc("/block/{height:[0-9]+}", s.HandleBlock).Methods(http.MethodGet)
	v1.HandleFunc("/state", s.HandleState).Methods(http.MethodGet)

	v1.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/version", s.HandleVersion).Methods(http.MethodGet)
	v1.HandleFunc("/node/logs", s.HandleNodeLogs).Methods(http.MethodGet)
	v1.HandleFunc("/node/peers", s.HandlePeers).Methods(http.MethodGet)
	v1.HandleFunc("/node/backups", s.HandleBackupsList).Methods(http.MethodGet)
	v1.HandleFunc("/node/backups", s.HandleBackupCreate).Methods(http.MethodPost)
	v1.HandleFunc("/node/backup/download", s.HandleBackupDownload).Methods(http.MethodGet)
	v1.HandleFunc("/docs", s.HandleDocsList).Methods(http.MethodGet)
	v1.HandleFunc("/docs/{name}", s.HandleDoc).Methods(http.MethodGet)
	v1.HandleFunc("/ws/commits", s.HandleCommitsWS).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}

// PublishCommit sends a committed block to the commit feed subscribers. It
// matches abci.CommitListener and never blocks.
func (s *Service) PublishCommit(block types.BlockInfo) {
	data, err := json.Marshal(block)
	if err != nil {
		s.log.WithError(err).Error("encode commit event")
		return
	}
	s.commits.broadcast(data)
}

// Close disconnects commit feed subscribers and stops background work.
func (s *Service) Close() {
	s.commits.close()
	if s.limiter != nil {
		s.limiter.Stop()
	}
}

func (s *Service) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, "Not found")
}

func (s *Service) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}

// writeJSON writes a JSON response
func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Debug("write response")
	}
}

// writeError writes a JSON error response
func (s *Service) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
