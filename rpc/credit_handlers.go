package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"creditline/observability"
	"creditline/rpc/modules"
)

func writeModuleError(w http.ResponseWriter, id interface{}, err *modules.ModuleError) {
	if err == nil {
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal error", nil)
		return
	}
	status := err.HTTPStatus
	if status <= 0 {
		status = http.StatusBadRequest
	}
	code := err.Code
	if code == 0 {
		code = codeServerError
	}
	writeError(w, status, id, code, err.Message, err.Data)
}

func (s *Server) handleCreditOpen(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	result, modErr := s.credit.Open(r.Context(), req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCreditUpdateParameters(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	result, modErr := s.credit.UpdateParameters(r.Context(), req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCreditSuspend(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	result, modErr := s.credit.Suspend(r.Context(), req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCreditClose(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	result, modErr := s.credit.Close(r.Context(), req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCreditDefault(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	result, modErr := s.credit.MarkDefaulted(r.Context(), req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCreditSetPause(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	result, modErr := s.credit.SetPause(r.Context(), req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCreditDraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleInstructionOp(w, r, req, "credit_draw", func(ctx context.Context, raw json.RawMessage) (interface{}, *modules.ModuleError) {
		return s.credit.Draw(ctx, raw)
	})
}

func (s *Server) handleCreditRepay(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleInstructionOp(w, r, req, "credit_repay", func(ctx context.Context, raw json.RawMessage) (interface{}, *modules.ModuleError) {
		return s.credit.Repay(ctx, raw)
	})
}

func (s *Server) handleCreditCloseWithSig(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleInstructionOp(w, r, req, "credit_closeWithSig", func(ctx context.Context, raw json.RawMessage) (interface{}, *modules.ModuleError) {
		return s.credit.CloseWithSig(ctx, raw)
	})
}

// handleInstructionOp runs the shared admission path for signed-instruction
// methods: a per-source rate limit, then duplicate suppression keyed by the
// raw payload. The suppression entry is released when the ledger rejects the
// call so an honest retry of a failed submission goes through.
func (s *Server) handleInstructionOp(w http.ResponseWriter, r *http.Request, req *RPCRequest, method string, call func(context.Context, json.RawMessage) (interface{}, *modules.ModuleError)) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	now := time.Now()
	source := s.clientSource(r)
	if !s.allowSource(source, now) {
		observability.RPC().RecordThrottle(method)
		writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "submission rate limit exceeded", source)
		return
	}
	key := hex.EncodeToString(ethcrypto.Keccak256([]byte(method), req.Params[0]))
	if !s.rememberSubmission(key, now) {
		writeError(w, http.StatusConflict, req.ID, codeDuplicateSubmission, "instruction has already been submitted", nil)
		return
	}
	result, modErr := call(r.Context(), req.Params[0])
	if modErr != nil {
		s.releaseSubmission(key)
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCreditGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	result, modErr := s.credit.Get(r.Context(), req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCreditNonce(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	result, modErr := s.credit.Nonce(r.Context(), req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCreditBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "parameter object required", nil)
		return
	}
	result, modErr := s.credit.Balance(r.Context(), req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCreditListEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "too many parameters", nil)
		return
	}
	var raw json.RawMessage
	if len(req.Params) == 1 {
		raw = req.Params[0]
	}
	result, modErr := s.credit.ListEvents(r.Context(), raw)
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleCreditStatus(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "method takes no parameters", nil)
		return
	}
	result, modErr := s.credit.Status(r.Context())
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}
