package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"realmkin-staking/internal/model"
	"realmkin-staking/internal/scheduler"
	"realmkin-staking/internal/service"
)

// StakingService is the stake ledger surface used by the API.
type StakingService interface {
	CreateStake(ctx context.Context, in service.CreateStakeInput) (*model.Stake, error)
	ListStakes(ctx context.Context, userID, wallet string) (*service.StakesOverview, error)
	SyncHoldings(ctx context.Context, userID, wallet string, totalNFTs int) (*model.RewardAccount, error)
}

// ClaimService is the claim surface used by the API.
type ClaimService interface {
	Claim(ctx context.Context, req service.ClaimRequest) (*model.ClaimRecord, error)
	History(ctx context.Context, userID string, limit int) ([]*model.ClaimRecord, error)
}

// UnstakeService is the unstake surface used by the API.
type UnstakeService interface {
	Unstake(ctx context.Context, userID, stakeID, action string) (*service.UnstakeResult, error)
}

// BatchJobs are the batch triggers exposed to the cron caller.
type BatchJobs interface {
	RunStakeAccrual(ctx context.Context) (*scheduler.RunSummary, error)
	RunNFTClaims(ctx context.Context) (*scheduler.RunSummary, error)
	RunForceNFTClaims(ctx context.Context) (*scheduler.RunSummary, error)
	RunSettlement(ctx context.Context) (*scheduler.RunSummary, error)
}

// Pinger checks the backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the reward endpoints.
type Handler struct {
	staking StakingService
	claims  ClaimService
	unstake UnstakeService
	jobs    BatchJobs
	db      Pinger
	env     Environment
}

// Environment is reported by the health variants of the trigger endpoints.
type Environment struct {
	Name                  string `json:"name"`
	Ledger                string `json:"ledger"`
	SchedulerEnabled      bool   `json:"schedulerEnabled"`
	AuthConfigured        bool   `json:"authConfigured"`
	CronSecretConfigured  bool   `json:"cronSecretConfigured"`
	AdminSecretConfigured bool   `json:"adminSecretConfigured"`
}

// NewHandler creates a new Handler instance.
func NewHandler(staking StakingService, claims ClaimService, unstake UnstakeService, jobs BatchJobs, db Pinger, env Environment) *Handler {
	return &Handler{
		staking: staking,
		claims:  claims,
		unstake: unstake,
		jobs:    jobs,
		db:      db,
		env:     env,
	}
}

type claimRequest struct {
	Stream        string           `json:"stream"`
	WalletAddress string           `json:"walletAddress"`
	Amount        *decimal.Decimal `json:"amount"`
}

type claimResponse struct {
	Success   bool              `json:"success"`
	ClaimID   string            `json:"claimId"`
	Stream    model.ClaimStream `json:"stream"`
	Amount    decimal.Decimal   `json:"amount"`
	TxHash    string            `json:"txHash"`
	ClaimedAt time.Time         `json:"claimedAt"`
}

// Claim handles POST /claim. An empty body, or stream "nft", claims the NFT
// stream; a body naming a wallet or an amount claims stake rewards.
func (h *Handler) Claim(c *gin.Context) {
	var req claimRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		respondBadRequest(c, "invalid request body: %v", err)
		return
	}

	stream, err := claimStream(req)
	if err != nil {
		respondError(c, err)
		return
	}

	record, err := h.claims.Claim(c.Request.Context(), service.ClaimRequest{
		UserID: userID(c),
		Wallet: req.WalletAddress,
		Stream: stream,
		Amount: req.Amount,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	// The transfer is dispatched by the settlement job.
	txHash := string(model.TransferPending)
	if record.TxHash != nil {
		txHash = *record.TxHash
	}

	c.JSON(http.StatusOK, claimResponse{
		Success:   true,
		ClaimID:   record.ID,
		Stream:    record.Stream,
		Amount:    record.Amount,
		TxHash:    txHash,
		ClaimedAt: record.ClaimedAt,
	})
}

func claimStream(req claimRequest) (model.ClaimStream, error) {
	if req.Stream != "" {
		stream, err := model.ParseClaimStream(req.Stream)
		if err != nil || stream == model.StreamUnstake {
			return "", errInvalidStream(req.Stream)
		}
		return stream, nil
	}
	if req.WalletAddress != "" || req.Amount != nil {
		return model.StreamStake, nil
	}
	return model.StreamNFT, nil
}

// ClaimHistory handles GET /claim/history.
func (h *Handler) ClaimHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondBadRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := h.claims.History(c.Request.Context(), userID(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "claims": records})
}

type stakeRequest struct {
	Wallet      string          `json:"wallet"`
	Amount      decimal.Decimal `json:"amount"`
	LockPeriod  flexString      `json:"lockPeriod"`
	TxSignature string          `json:"txSignature"`
}

// CreateStake handles POST /stake.
func (h *Handler) CreateStake(c *gin.Context) {
	var req stakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body: %v", err)
		return
	}

	stake, err := h.staking.CreateStake(c.Request.Context(), service.CreateStakeInput{
		UserID:     userID(c),
		Wallet:     req.Wallet,
		Amount:     req.Amount,
		LockPeriod: string(req.LockPeriod),
		DepositTx:  req.TxSignature,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "stakeId": stake.ID, "stake": stake})
}

// ListStakes handles GET /stakes.
func (h *Handler) ListStakes(c *gin.Context) {
	overview, err := h.staking.ListStakes(c.Request.Context(), userID(c), c.Query("wallet"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"stakes":        overview.Stakes,
		"globalMetrics": overview.GlobalMetrics,
	})
}

type unstakeRequest struct {
	UID     string `json:"uid"`
	Wallet  string `json:"wallet"`
	StakeID string `json:"stakeId" binding:"required"`
	Action  string `json:"action" binding:"required"`
}

// Unstake handles POST /unstake. The caller is identified by the session
// token; uid, when sent, must match it.
func (h *Handler) Unstake(c *gin.Context) {
	var req unstakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body: %v", err)
		return
	}

	caller := userID(c)
	if req.UID != "" && req.UID != caller {
		respondError(c, errUserIDMismatch)
		return
	}

	result, err := h.unstake.Unstake(c.Request.Context(), caller, req.StakeID, req.Action)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stake":   result.Stake,
		"quote":   result.Quote,
		"txHash":  result.TxHash,
	})
}

type holdingsRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Wallet    string `json:"wallet"`
	TotalNFTs *int   `json:"totalNfts" binding:"required"`
}

// SyncHoldings handles POST /holdings, pushed by the NFT indexer.
func (h *Handler) SyncHoldings(c *gin.Context) {
	var req holdingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body: %v", err)
		return
	}

	account, err := h.staking.SyncHoldings(c.Request.Context(), req.UserID, req.Wallet, *req.TotalNFTs)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "account": account})
}

// batchResponse flattens the run summary next to the legacy totals.
type batchResponse struct {
	Success                bool            `json:"success"`
	ClaimsProcessed        int             `json:"claimsProcessed"`
	TotalAmountDistributed decimal.Decimal `json:"totalAmountDistributed"`
	*scheduler.RunSummary
}

func (h *Handler) runBatch(c *gin.Context, run func(context.Context) (*scheduler.RunSummary, error)) {
	summary, err := run(c.Request.Context())
	if err != nil && (summary == nil || summary.Processed == 0) {
		respondError(c, err)
		return
	}

	// A run aborted part-way still reports what it did.
	c.JSON(http.StatusOK, batchResponse{
		Success:                err == nil,
		ClaimsProcessed:        summary.Updated,
		TotalAmountDistributed: summary.TotalAmount,
		RunSummary:             summary,
	})
}

// AutoClaim handles POST /auto-claim.
func (h *Handler) AutoClaim(c *gin.Context) {
	h.runBatch(c, h.jobs.RunNFTClaims)
}

// ForceClaim handles POST /force-claim.
func (h *Handler) ForceClaim(c *gin.Context) {
	h.runBatch(c, h.jobs.RunForceNFTClaims)
}

// Accrue handles POST /accrue.
func (h *Handler) Accrue(c *gin.Context) {
	h.runBatch(c, h.jobs.RunStakeAccrual)
}

// Settle handles POST /settle.
func (h *Handler) Settle(c *gin.Context) {
	h.runBatch(c, h.jobs.RunSettlement)
}

// Status handles the GET variants of the trigger endpoints. It has no side
// effects.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "environment": h.env})
}

// Health handles GET /healthz.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// bindOptionalJSON decodes a JSON body that may be absent.
func bindOptionalJSON(c *gin.Context, v any) error {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// flexString accepts a JSON string or number. Lock periods arrive as both
// "30" and 30.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("must be a string or a number")
	}
	*f = flexString(n.String())
	return nil
}
