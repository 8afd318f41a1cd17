package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/flowdevkit/flowdevkit/internal/fcl"
	"github.com/flowdevkit/flowdevkit/internal/middleware"
	"github.com/flowdevkit/flowdevkit/internal/model"
)

// maxRequestBodySize はスクリプトとトランザクションのリクエストボディの上限（256KB）。
const maxRequestBodySize = 256 * 1024

// FlowService はアクセスノードへの操作のインターフェース。fcl.Clientが実装する。
type FlowService interface {
	Query(ctx context.Context, script string, args []fcl.Value) (*fcl.Value, error)
	Mutate(ctx context.Context, tx json.RawMessage) (string, error)
	TransactionStatus(ctx context.Context, id string) (*fcl.TransactionResult, error)
	FlowBalance(ctx context.Context, address string) (string, error)
}

// FlowHandler はアクセスノードを利用するHTTPハンドラー。
type FlowHandler struct {
	service FlowService
}

// NewFlowHandler はFlowHandlerを生成する。
func NewFlowHandler(service FlowService) *FlowHandler {
	return &FlowHandler{service: service}
}

type balanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type scriptRequestBody struct {
	Script    string      `json:"script"`
	Arguments []fcl.Value `json:"arguments"`
}

type transactionSubmittedResponse struct {
	ID string `json:"id"`
}

type transactionResponse struct {
	ID           string                 `json:"id"`
	Status       string                 `json:"status"`
	StatusCode   int                    `json:"statusCode"`
	Sealed       bool                   `json:"sealed"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	Events       []fcl.TransactionEvent `json:"events"`
}

// AccountBalance は指定アドレスのFLOW残高を返す。
// GET /api/accounts/{address}/balance
func (h *FlowHandler) AccountBalance(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !model.IsValidAddress(addr) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidAddressError(addr))
		return
	}
	h.writeBalance(w, r, model.WithPrefix(addr))
}

// ConnectedBalance は接続中のウォレットのFLOW残高を返す。
// GET /api/account/balance
func (h *FlowHandler) ConnectedBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := middleware.AddressFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewWalletNotConnectedError())
		return
	}
	h.writeBalance(w, r, addr)
}

func (h *FlowHandler) writeBalance(w http.ResponseWriter, r *http.Request, addr string) {
	balance, err := h.service.FlowBalance(r.Context(), addr)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, balanceResponse{Address: addr, Balance: balance})
}

// ExecuteScript は読み取り専用のCadenceスクリプトを実行し、JSON-Cadence形式の結果を返す。
// POST /api/scripts
func (h *FlowHandler) ExecuteScript(w http.ResponseWriter, r *http.Request) {
	var req scriptRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidScriptError("リクエストボディの解析に失敗しました"))
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidScriptError("スクリプトが空です"))
		return
	}

	v, err := h.service.Query(r.Context(), req.Script, req.Arguments)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, v)
}

// SubmitTransaction は署名済みトランザクションをアクセスノードに送信する。
// POST /api/transactions
// 確定を待たずにトランザクションIDを202で返す。
func (h *FlowHandler) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewInvalidTransactionError("リクエストボディが大きすぎます"))
			return
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidTransactionError("リクエストボディを読み取れません"))
		return
	}
	if !json.Valid(body) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidTransactionError("JSONとして解釈できません"))
		return
	}

	id, err := h.service.Mutate(r.Context(), body)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, transactionSubmittedResponse{ID: id})
}

// GetTransaction はトランザクションの実行結果を返す。
// GET /api/transactions/{id}
func (h *FlowHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.service.TransactionStatus(r.Context(), id)
	if errors.Is(err, model.ErrNotFound) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewTransactionNotFoundError(id))
		return
	}
	if err != nil {
		handleServiceError(w, err)
		return
	}

	events := result.Events
	if events == nil {
		events = []fcl.TransactionEvent{}
	}
	middleware.WriteJSON(w, http.StatusOK, transactionResponse{
		ID:           id,
		Status:       result.Status,
		StatusCode:   result.StatusCode,
		Sealed:       result.Sealed(),
		ErrorMessage: result.ErrorMessage,
		Events:       events,
	})
}
