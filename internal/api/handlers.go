// Package api exposes the vault engine over HTTP.
package api

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dca/internal/auth"
	"github.com/ksred/klear-dca/internal/engine"
	"github.com/ksred/klear-dca/internal/settlement"
	"github.com/ksred/klear-dca/internal/types"
	"github.com/ksred/klear-dca/internal/vault"
	"github.com/ksred/klear-dca/internal/venue"
	"github.com/ksred/klear-dca/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// GinHandlers contains HTTP handlers for vault endpoints
type GinHandlers struct {
	engine *engine.Engine
}

func NewGinHandlers(e *engine.Engine) *GinHandlers {
	return &GinHandlers{
		engine: e,
	}
}

// VaultView is a vault together with its current trigger, if any.
type VaultView struct {
	*types.Vault
	Trigger          *types.Trigger          `json:"trigger,omitempty"`
	DisbursementTask *types.DisbursementTask `json:"disbursement_task,omitempty"`
}

// DepositRequest is the body of a deposit call
type DepositRequest struct {
	Funds []types.Coin `json:"funds" binding:"required"`
}

type SwapAdjustmentRequest struct {
	PairAddress string             `json:"pair_address" binding:"required"`
	Position    types.PositionType `json:"position" binding:"required"`
	Value       decimal.Decimal    `json:"value"`
}

// RecomputeRequest names the pair and position to recompute. An empty pair
// recomputes every registered pair.
type RecomputeRequest struct {
	PairAddress string             `json:"pair_address"`
	Position    types.PositionType `json:"position"`
}

// Page is a list response with the cursor of the next page.
type Page struct {
	Items any    `json:"items"`
	Next  uint64 `json:"next,omitempty"`
}

// respond writes data or err. A dispatch failure after commit means the
// venue never saw the request, so it maps to 502 rather than a domain error.
func respond(c *gin.Context, data any, err error) {
	var dispatchErr *engine.DispatchError
	if errors.As(err, &dispatchErr) {
		log.Warn().Err(err).Uint64("vault_id", dispatchErr.VaultID).Msg("venue dispatch failed")
		response.BadGateway(c, dispatchErr.Error())
		return
	}
	response.Handle(c, data, err)
}

func vaultID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "Invalid vault id")
		return 0, false
	}
	return id, true
}

// paging reads the after and limit query parameters.
func paging(c *gin.Context) (uint64, int, bool) {
	var after uint64
	var limit int
	var err error

	if raw := c.Query("after"); raw != "" {
		if after, err = strconv.ParseUint(raw, 10, 64); err != nil {
			response.BadRequest(c, "Invalid after parameter")
			return 0, 0, false
		}
	}
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			response.BadRequest(c, "Invalid limit parameter")
			return 0, 0, false
		}
	}
	return after, limit, true
}

// CreateVaultHandler handles POST requests to open a vault. The owner
// defaults to the authenticated address.
func (h *GinHandlers) CreateVaultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req vault.CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Owner == "" {
			req.Owner = auth.GetAddress(c)
		}

		v, err := h.engine.CreateVault(c.Request.Context(), req)
		respond(c, v, err)
	}
}

// DepositHandler handles POST requests adding funds to a vault
// URL parameter: id
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := vaultID(c)
		if !ok {
			return
		}
		var req DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		v, err := h.engine.Deposit(c.Request.Context(), id, auth.GetAddress(c), req.Funds)
		respond(c, v, err)
	}
}

// CancelHandler handles POST requests cancelling a vault
// URL parameter: id
func (h *GinHandlers) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := vaultID(c)
		if !ok {
			return
		}

		v, err := h.engine.Cancel(c.Request.Context(), id, auth.GetAddress(c), auth.IsAdmin(c))
		respond(c, v, err)
	}
}

func (h *GinHandlers) GetVaultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := vaultID(c)
		if !ok {
			return
		}

		v, err := h.engine.Vault(id)
		if err != nil {
			respond(c, nil, err)
			return
		}
		view := VaultView{Vault: v}

		trigger, err := h.engine.Trigger(id)
		switch {
		case err == nil:
			view.Trigger = trigger
		case !errors.Is(err, types.ErrNotFound):
			respond(c, nil, err)
			return
		}
		if v.DcaPlusEnabled {
			task, err := h.engine.DisbursementTask(id)
			switch {
			case err == nil:
				view.DisbursementTask = task
			case !errors.Is(err, types.ErrNotFound):
				respond(c, nil, err)
				return
			}
		}

		response.Success(c, view)
	}
}

// ListVaultsHandler lists vaults of an owner, by default the caller.
// Query parameters: owner, status, after, limit
func (h *GinHandlers) ListVaultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		after, limit, ok := paging(c)
		if !ok {
			return
		}
		owner := c.DefaultQuery("owner", auth.GetAddress(c))

		vaults, err := h.engine.Vaults(owner, types.VaultStatus(c.Query("status")), after, limit)
		if err != nil {
			respond(c, nil, err)
			return
		}
		page := Page{Items: vaults}
		if len(vaults) > 0 {
			page.Next = vaults[len(vaults)-1].ID
		}
		response.Success(c, page)
	}
}

func (h *GinHandlers) EventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := vaultID(c)
		if !ok {
			return
		}
		after, limit, ok := paging(c)
		if !ok {
			return
		}

		events, err := h.engine.Events(id, after, limit)
		if err != nil {
			respond(c, nil, err)
			return
		}
		page := Page{Items: events}
		if len(events) > 0 {
			page.Next = events[len(events)-1].Sequence
		}
		response.Success(c, page)
	}
}

func (h *GinHandlers) ExecutionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := vaultID(c)
		if !ok {
			return
		}
		after, limit, ok := paging(c)
		if !ok {
			return
		}

		executions, err := h.engine.Executions(id, after, limit)
		if err != nil {
			respond(c, nil, err)
			return
		}
		page := Page{Items: executions}
		if len(executions) > 0 {
			page.Next = executions[len(executions)-1].Sequence
		}
		response.Success(c, page)
	}
}

func (h *GinHandlers) VaultTransfersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := vaultID(c)
		if !ok {
			return
		}
		if _, err := h.engine.Vault(id); err != nil {
			respond(c, nil, err)
			return
		}

		transfers, err := h.engine.VaultTransfers(id)
		respond(c, transfers, err)
	}
}

// TransfersHandler lists transfers paid to the caller.
// Query parameters: after, limit
func (h *GinHandlers) TransfersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		after, limit, ok := paging(c)
		if !ok {
			return
		}

		transfers, err := h.engine.Transfers(auth.GetAddress(c), after, limit)
		if err != nil {
			respond(c, nil, err)
			return
		}
		page := Page{Items: transfers}
		if len(transfers) > 0 {
			page.Next = transfers[len(transfers)-1].ID
		}
		response.Success(c, page)
	}
}

// TransferHandler returns a single transfer.
// URL parameter: transfer_id
func (h *GinHandlers) TransferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		transfer, err := h.engine.Transfer(c.Param("transfer_id"))
		respond(c, transfer, err)
	}
}

func (h *GinHandlers) BalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		balances, err := h.engine.Balances(auth.GetAddress(c))
		if balances == nil && err == nil {
			balances = []settlement.Balance{}
		}
		respond(c, balances, err)
	}
}

// ExecuteHandler runs the initiating call of the execution saga.
// URL parameter: id
func (h *GinHandlers) ExecuteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := vaultID(c)
		if !ok {
			return
		}

		result, err := h.engine.Execute(c.Request.Context(), id)
		respond(c, result, err)
	}
}

func (h *GinHandlers) DisburseEscrowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := vaultID(c)
		if !ok {
			return
		}

		disbursement, err := h.engine.DisburseEscrow(c.Request.Context(), id)
		respond(c, disbursement, err)
	}
}

// ConfirmHandler accepts a venue confirmation for a pending request.
func (h *GinHandlers) ConfirmHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var conf venue.Confirmation
		if err := c.ShouldBindJSON(&conf); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.engine.Confirm(c.Request.Context(), conf)
		respond(c, result, err)
	}
}

func (h *GinHandlers) SetSwapAdjustmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SwapAdjustmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		adjustment, err := h.engine.SetSwapAdjustment(c.Request.Context(), req.PairAddress, req.Position, req.Value)
		respond(c, adjustment, err)
	}
}

// RecomputeSwapAdjustmentHandler recomputes one pair and position, or every
// pair when the body names none.
func (h *GinHandlers) RecomputeSwapAdjustmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RecomputeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				response.BadRequest(c, err.Error())
				return
			}
		}

		if req.PairAddress == "" {
			err := h.engine.RecomputeAdjustments(c.Request.Context())
			respond(c, gin.H{"recomputed": "all"}, err)
			return
		}
		if !req.Position.Valid() {
			response.BadRequest(c, fmt.Sprintf("Invalid position %q", req.Position))
			return
		}

		adjustment, err := h.engine.RecomputeSwapAdjustment(c.Request.Context(), req.PairAddress, req.Position)
		respond(c, adjustment, err)
	}
}
