// Package handler provides the operator bot command handlers.
package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"realmkin-staking/internal/apperr"
	"realmkin-staking/internal/model"
	"realmkin-staking/internal/scheduler"
)

// commandTimeout bounds a single operator command. Batch runs are long.
const commandTimeout = 5 * time.Minute

// Accounts reads reward accounts and the platform aggregate.
type Accounts interface {
	Account(ctx context.Context, userID string) (*model.RewardAccount, error)
	RecomputeGlobalMetrics(ctx context.Context) (*model.GlobalMetrics, error)
}

// ClaimHistory lists a user's claim records.
type ClaimHistory interface {
	History(ctx context.Context, userID string, limit int) ([]*model.ClaimRecord, error)
}

// Settlements releases stuck withdrawals.
type Settlements interface {
	ReleaseSettlement(ctx context.Context, stakeID string) error
}

// Jobs are the batch runs an operator can trigger.
type Jobs interface {
	RunStakeAccrual(ctx context.Context) (*scheduler.RunSummary, error)
	RunNFTClaims(ctx context.Context) (*scheduler.RunSummary, error)
	RunForceNFTClaims(ctx context.Context) (*scheduler.RunSummary, error)
	RunSettlement(ctx context.Context) (*scheduler.RunSummary, error)
}

// OpsHandler handles operator commands.
type OpsHandler struct {
	accounts    Accounts
	claims      ClaimHistory
	settlements Settlements
	jobs        Jobs
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(accounts Accounts, claims ClaimHistory, settlements Settlements, jobs Jobs) *OpsHandler {
	return &OpsHandler{
		accounts:    accounts,
		claims:      claims,
		settlements: settlements,
		jobs:        jobs,
	}
}

// HandleHelp handles /start and /help.
func (h *OpsHandler) HandleHelp(c tele.Context) error {
	return c.Reply("🛠 Reward operator commands\n\n" +
		"/stats - recompute platform totals\n" +
		"/account <userId> - show a reward account\n" +
		"/accrue - credit stake rewards\n" +
		"/autoclaim - claim eligible NFT rewards\n" +
		"/forceclaim - claim all stored NFT rewards\n" +
		"/settle - dispatch pending transfers\n" +
		"/release <stakeId> - clear a stuck withdrawal")
}

// HandleStats handles /stats.
func (h *OpsHandler) HandleStats(c tele.Context) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	g, err := h.accounts.RecomputeGlobalMetrics(ctx)
	if err != nil {
		return h.fail(c, "stats", err)
	}

	return c.Reply(fmt.Sprintf(
		"📊 Platform totals\n\n"+
			"💰 Value locked: %s\n"+
			"📌 Active stakes: %d\n"+
			"👥 Stakers: %d",
		g.TotalValueLocked.StringFixed(2), g.ActiveStakes, g.TotalStakers,
	))
}

// HandleAccount handles /account <userId>.
func (h *OpsHandler) HandleAccount(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Reply("❌ Usage: /account <userId>")
	}
	userID := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	account, err := h.accounts.Account(ctx, userID)
	if err != nil {
		return h.fail(c, "account", err)
	}
	claims, err := h.claims.History(ctx, userID, 5)
	if err != nil {
		return h.fail(c, "account", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "👤 %s\n\n", userID)
	fmt.Fprintf(&b, "👛 Wallet: %s\n", orNone(account.WalletAddress))
	fmt.Fprintf(&b, "🖼 NFTs: %d\n", account.TotalNFTs)
	fmt.Fprintf(&b, "⏳ NFT pending: %s\n", account.PendingRewards.StringFixed(2))
	fmt.Fprintf(&b, "⏳ Stake pending: %s\n", account.StakeRewardsPending.StringFixed(2))
	fmt.Fprintf(&b, "✅ Claimed: %s / earned %s\n", account.TotalClaimed.StringFixed(2), account.TotalEarned.StringFixed(2))

	if len(claims) > 0 {
		b.WriteString("\nRecent claims:\n")
		for _, r := range claims {
			fmt.Fprintf(&b, "• %s %s %s (%s)\n",
				r.ClaimedAt.Format("2006-01-02"), r.Stream, r.Amount.StringFixed(2), r.TransferStatus)
		}
	}

	return c.Reply(b.String())
}

// HandleAccrue handles /accrue.
func (h *OpsHandler) HandleAccrue(c tele.Context) error {
	return h.runJob(c, h.jobs.RunStakeAccrual)
}

// HandleAutoClaim handles /autoclaim.
func (h *OpsHandler) HandleAutoClaim(c tele.Context) error {
	return h.runJob(c, h.jobs.RunNFTClaims)
}

// HandleForceClaim handles /forceclaim.
func (h *OpsHandler) HandleForceClaim(c tele.Context) error {
	return h.runJob(c, h.jobs.RunForceNFTClaims)
}

// HandleSettle handles /settle.
func (h *OpsHandler) HandleSettle(c tele.Context) error {
	return h.runJob(c, h.jobs.RunSettlement)
}

// HandleRelease handles /release <stakeId>.
func (h *OpsHandler) HandleRelease(c tele.Context) error {
	args := c.Args()
	if len(args) < 1 {
		return c.Reply("❌ Usage: /release <stakeId>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := h.settlements.ReleaseSettlement(ctx, args[0]); err != nil {
		return h.fail(c, "release", err)
	}

	h.audit(c, "release", args[0])
	return c.Reply(fmt.Sprintf("✅ Settlement of stake %s released", args[0]))
}

func (h *OpsHandler) runJob(c tele.Context, run func(context.Context) (*scheduler.RunSummary, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	summary, err := run(ctx)
	if summary == nil {
		return h.fail(c, "job", err)
	}
	h.audit(c, summary.Job, "")

	text := formatSummary(summary)
	if err != nil {
		text += "\n\n⚠️ " + err.Error()
	}
	return c.Reply(text)
}

// fail replies with a short error. Internal errors are logged and not echoed.
func (h *OpsHandler) fail(c tele.Context, op string, err error) error {
	if errors.Is(err, scheduler.ErrJobRunning) {
		return c.Reply("⏳ That job is already running")
	}

	e := apperr.Classify(err)
	if e.Kind == apperr.KindInternal {
		log.Error().Err(err).Str("operation", op).Msg("Operator command failed")
		return c.Reply("❌ Internal error, see logs")
	}
	return c.Reply(fmt.Sprintf("❌ %s: %s", e.Code, err.Error()))
}

func (h *OpsHandler) audit(c tele.Context, op, target string) {
	event := log.Info().Str("operation", op)
	if sender := c.Sender(); sender != nil {
		event = event.Int64("admin_id", sender.ID)
	}
	if target != "" {
		event = event.Str("target", target)
	}
	event.Msg("Operator command executed")
}

func formatSummary(s *scheduler.RunSummary) string {
	status := "✅"
	if s.Aborted {
		status = "🛑"
	} else if s.Failed > 0 {
		status = "⚠️"
	}

	return fmt.Sprintf(
		"%s %s\n\n"+
			"Processed: %d\n"+
			"Updated: %d\n"+
			"Skipped: %d\n"+
			"Failed: %d\n"+
			"Amount: %s\n"+
			"Took: %s",
		status, s.Job,
		s.Processed, s.Updated, s.Skipped, s.Failed,
		s.TotalAmount.StringFixed(2),
		s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond),
	)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
