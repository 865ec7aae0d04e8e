// Package bot runs the operator Telegram bot.
package bot

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	tele "gopkg.in/telebot.v3"

	"realmkin-staking/internal/config"
	"realmkin-staking/internal/handler"
)

// Bot wraps the telebot instance with application dependencies.
type Bot struct {
	bot *tele.Bot
	cfg *config.Config
	ops *handler.OpsHandler
}

// Dependencies holds all the dependencies needed by the bot handlers.
type Dependencies struct {
	Config      *config.Config
	Accounts    handler.Accounts
	Claims      handler.ClaimHistory
	Settlements handler.Settlements
	Jobs        handler.Jobs
}

// New creates a new Bot instance with the given dependencies.
func New(deps *Dependencies) (*Bot, error) {
	if deps.Config.Bot.Token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if len(deps.Config.Bot.AdminIDs) == 0 {
		return nil, fmt.Errorf("at least one bot admin id is required")
	}

	pref := tele.Settings{
		Token:  deps.Config.Bot.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		OnError: func(err error, c tele.Context) {
			log.Error().Err(err).Msg("Bot handler error")
		},
	}

	teleBot, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &Bot{
		bot: teleBot,
		cfg: deps.Config,
		ops: handler.NewOpsHandler(deps.Accounts, deps.Claims, deps.Settlements, deps.Jobs),
	}

	b.registerMiddleware()
	b.registerHandlers()

	return b, nil
}

func (b *Bot) registerMiddleware() {
	b.bot.Use(RecoveryMiddleware())
	b.bot.Use(LoggingMiddleware())
	// Every command moves money, so the whole bot is admin only.
	b.bot.Use(AdminMiddleware(b.cfg))
}

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", b.ops.HandleHelp)
	b.bot.Handle("/help", b.ops.HandleHelp)
	b.bot.Handle("/stats", b.ops.HandleStats)
	b.bot.Handle("/account", b.ops.HandleAccount)
	b.bot.Handle("/accrue", b.ops.HandleAccrue)
	b.bot.Handle("/autoclaim", b.ops.HandleAutoClaim)
	b.bot.Handle("/forceclaim", b.ops.HandleForceClaim)
	b.bot.Handle("/settle", b.ops.HandleSettle)
	b.bot.Handle("/release", b.ops.HandleRelease)
}

// Start starts the bot polling. It blocks until Stop is called.
func (b *Bot) Start() {
	log.Info().Str("username", b.bot.Me.Username).Msg("Starting operator bot")
	b.bot.Start()
}

// Stop stops the bot gracefully.
func (b *Bot) Stop() {
	log.Info().Msg("Stopping operator bot")
	b.bot.Stop()
}
