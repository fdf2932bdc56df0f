package api

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"exoneum.core/exc/internal/metrics"
	"exoneum.core/exc/internal/storage"
	"exoneum.core/exc/internal/transactions"
	"exoneum.core/exc/internal/types"
)

// maxTxBodySize bounds a submitted transaction, JSON or binary.
const maxTxBodySize = 64 << 10

// SubmitResponse is returned for an accepted transaction.
type SubmitResponse struct {
	TxHash types.Hash `json:"tx_hash"`
}

// BlockResponse describes a committed block and its execution receipts.
type BlockResponse struct {
	types.BlockInfo
	Receipts []types.Receipt `json:"receipts"`
}

// @Title: Submit Transaction
// @Route: POST /v1/transaction
// @Description: Hands a signed transaction to the consensus engine without waiting for execution. The signature is checked by the engine's CheckTx, not here. Accepts the JSON envelope or, with Content-Type application/octet-stream, the raw wire bytes.
// @Response: {"tx_hash": "..."}
func (s *Service) HandleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxBodySize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		metrics.RecordSubmission("rejected")
		s.writeError(w, http.StatusBadRequest, "Empty request body")
		return
	}
	if len(body) > maxTxBodySize {
		metrics.RecordSubmission("rejected")
		s.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}

	var stx *transactions.Signed
	if isBinary(r) {
		stx, err = transactions.Decode(body)
	} else {
		stx, err = transactions.ParseEnvelope(body)
	}
	if err != nil {
		metrics.RecordSubmission("rejected")
		s.writeError(w, http.StatusBadRequest, "Invalid transaction: "+err.Error())
		return
	}

	txHash := stx.Hash()
	log := s.log.WithField("tx_hash", txHash.String())

	engineHash, err := s.sender.SendTx(r.Context(), stx.Bytes())
	if err != nil {
		metrics.RecordSubmission("failed")
		log.WithError(err).Error("submit transaction")
		s.writeError(w, http.StatusInternalServerError, "Failed to submit transaction")
		return
	}
	if !engineHash.IsZero() && engineHash != txHash {
		log.WithField("engine_hash", engineHash.String()).Warn("consensus engine reported a different hash")
	}

	metrics.RecordSubmission("accepted")
	log.Info("transaction submitted")
	s.writeJSON(w, http.StatusOK, SubmitResponse{TxHash: txHash})
}

// @Title: Get Transaction Receipt
// @Route: GET /v1/transaction/{tx_hash}
// @Description: Returns the execution receipt of a committed transaction
// @Response: {"tx_hash": "...", "height": 3, "index": 0, "code": 0}
func (s *Service) HandleTransaction(w http.ResponseWriter, r *http.Request) {
	hash, err := types.ParseHash(mux.Vars(r)["tx_hash"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid transaction hash")
		return
	}

	receipt, err := s.ledger.Receipt(r.Context(), hash)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("load receipt")
		s.writeError(w, http.StatusInternalServerError, "Failed to load transaction")
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

// @Title: Get Block
// @Route: GET /v1/block/{height}
// @Description: Returns a committed block with the receipts of its transactions
// @Response: {"height": 3, "app_hash": "...", "receipts": [...]}
func (s *Service) HandleBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseInt(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid height")
		return
	}

	block, err := s.ledger.Block(r.Context(), height)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Block not found")
		return
	}
	if err != nil {
		s.log.WithError(err).Error("load block")
		s.writeError(w, http.StatusInternalServerError, "Failed to load block")
		return
	}

	receipts, err := s.ledger.Receipts(r.Context(), height)
	if err != nil {
		s.log.WithError(err).Error("load receipts")
		s.writeError(w, http.StatusInternalServerError, "Failed to load block")
		return
	}
	if receipts == nil {
		receipts = []types.Receipt{}
	}
	s.writeJSON(w, http.StatusOK, BlockResponse{BlockInfo: block, Receipts: receipts})
}

func isBinary(r *http.Request) bool {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && ct == "application/octet-stream"
}
