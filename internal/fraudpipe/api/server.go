// Package api is the HTTP surface: single checks, CSV uploads and
// confirmation queries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/batch"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/fault"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/metrics"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/model"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/nonce"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/service"
	"github.com/chenzhangda16/verdict-ledger/internal/fraudpipe/source"
	"github.com/chenzhangda16/verdict-ledger/pkg/obs"
)

type Checker interface {
	CheckByID(ctx context.Context, id string) (service.Result, error)
	Status(ctx context.Context, id string) (model.Confirmation, error)
}

type BatchRunner interface {
	Run(ctx context.Context, recs []source.Record) (batch.Result, error)
}

// Resyncer clears nonce drift on operator request.
type Resyncer interface {
	Resync(ctx context.Context) (nonce.State, error)
}

type Config struct {
	CORSOrigins    []string
	UploadMaxBytes int64 // default 16 MiB
	ModelReady     bool  // reported by /test
}

type Server struct {
	check   Checker
	batch   BatchRunner
	resync  Resyncer
	samples func() int
	cfg     Config
	log     logrus.FieldLogger
	m       *metrics.Metrics
}

// New builds the server. samples reports how many transactions /check_txn
// can look up; resync may be nil.
func New(c Checker, b BatchRunner, resync Resyncer, samples func() int, cfg Config, log logrus.FieldLogger, m *metrics.Metrics) *Server {
	if cfg.UploadMaxBytes <= 0 {
		cfg.UploadMaxBytes = 16 << 20
	}
	if samples == nil {
		samples = func() int { return 0 }
	}
	return &Server{check: c, batch: b, resync: resync, samples: samples, cfg: cfg, log: obs.Component(log, "api"), m: m}
}

// Handler returns the routed handler with CORS, panic recovery and metrics.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	route := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, s.m.WrapHandler(path, h)).Methods(append(methods, http.MethodOptions)...)
	}
	route("/check_txn", s.handleCheck, http.MethodPost)
	route("/upload_csv", s.handleUpload, http.MethodPost)
	route("/txn_status/{hash}", s.handleStatus, http.MethodGet)
	route("/test", s.handleTest, http.MethodGet)
	if s.resync != nil {
		route("/nonce/resync", s.handleResync, http.MethodPost)
	}
	if s.m != nil {
		r.Handle("/metrics", s.m.Handler()).Methods(http.MethodGet)
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins(s.cfg.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(s.log), handlers.PrintRecoveryStack(true))(cors(r))
}

type checkReq struct {
	TxnID         string `json:"txn_id"`
	TransactionID string `json:"transaction_id"`
}

// checkResp adds the legacy field names to service.Result.
type checkResp struct {
	service.Result
	HashedValue    string `json:"hashed_value"`
	BlockchainLink string `json:"blockchain_link"`
	BlockchainTx   string `json:"blockchain_tx_hash"`
	Warning        string `json:"warning,omitempty"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	var req checkReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		WriteError(w, s.log, fmt.Errorf("check: bad body: %v: %w", err, fault.ErrInvalidInput))
		return
	}
	id := req.TxnID
	if id == "" {
		id = req.TransactionID
	}

	res, err := s.check.CheckByID(r.Context(), id)
	if err != nil && res.SubmissionID == "" {
		WriteError(w, s.log, err)
		return
	}
	resp := checkResp{Result: res, HashedValue: res.Fingerprint, BlockchainLink: res.LedgerLink, BlockchainTx: res.SubmissionID}
	status := http.StatusOK
	if err != nil {
		// 已广播但结果未知：返回句柄，让调用方去查
		status = http.StatusAccepted
		resp.Warning = err.Error()
	}
	writeJSON(w, status, resp)
}

type uploadItem struct {
	batch.Item
	HashedValue    string `json:"hashed_value"`
	BlockchainLink string `json:"blockchain_link"`
}

type uploadResp struct {
	BatchID        string       `json:"batch_id"`
	ProcessedCount int          `json:"processed_count"`
	Processed      int          `json:"processed"` // 旧前端字段
	Submitted      int          `json:"submitted"`
	Skipped        int          `json:"skipped"`
	Errors         int          `json:"errors"`
	Results        []uploadItem `json:"results"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes)
	if err := r.ParseMultipartForm(s.cfg.UploadMaxBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			WriteError(w, s.log, fmt.Errorf("upload: file exceeds %d bytes: %w", s.cfg.UploadMaxBytes, fault.ErrInvalidInput))
			return
		}
		WriteError(w, s.log, fmt.Errorf("upload: %v: %w", err, fault.ErrInvalidInput))
		return
	}
	defer r.MultipartForm.RemoveAll()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		WriteError(w, s.log, fmt.Errorf("upload: no file provided: %w", fault.ErrInvalidInput))
		return
	}
	defer f.Close()
	if hdr.Filename == "" || hdr.Size == 0 {
		WriteError(w, s.log, fmt.Errorf("upload: empty file: %w", fault.ErrInvalidInput))
		return
	}

	recs, err := source.ReadCSV(f)
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	res, err := s.batch.Run(r.Context(), recs)
	if err != nil {
		s.log.WithFields(logrus.Fields{"batch": res.BatchID, "err": err}).Warn("batch interrupted")
	}

	resp := uploadResp{
		BatchID:        res.BatchID,
		ProcessedCount: res.Processed,
		Processed:      res.Processed,
		Submitted:      res.Submitted,
		Skipped:        res.Skipped,
		Errors:         res.Errors,
		Results:        make([]uploadItem, len(res.Items)),
	}
	for i, it := range res.Items {
		resp.Results[i] = uploadItem{Item: it, HashedValue: it.Fingerprint, BlockchainLink: it.LedgerLink}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus never fails the request: a malformed id or a ledger error
// reads as not mined.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["hash"]
	c, err := s.check.Status(r.Context(), id)
	if err != nil {
		s.log.WithFields(logrus.Fields{"id": id, "err": err}).Debug("status query failed")
		c = model.Confirmation{}
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "active",
		"model_ready":  s.cfg.ModelReady,
		"data_samples": s.samples(),
	})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	st, err := s.resync.Resync(r.Context())
	if err != nil {
		WriteError(w, s.log, err)
		return
	}
	s.log.WithField("next", st.Next).Warn("nonce resync by operator")
	writeJSON(w, http.StatusOK, map[string]any{"next": st.Next, "free": st.Free, "in_flight": st.Outstanding})
}
