package clients

import (
	"go.uber.org/zap"

	"polytrigger/clients/discord"
	"polytrigger/clients/marketstream"
	"polytrigger/clients/notifier"
	"polytrigger/clients/polymarket"
	"polytrigger/clients/telegram"
	"polytrigger/clients/twilio"
	"polytrigger/config"
)

type Clients struct {
	Logger *zap.Logger

	Discord    *discord.DiscordClient
	Twilio     *twilio.TwilioClient
	Telegram   *telegram.TelegramClient
	Notifier   notifier.Notifier // Combined notifier for all channels
	Polymarket *polymarket.Client
	Stream     *marketstream.Stream
}

func NewClients(logger *zap.Logger, cfg *config.Config) *Clients {
	discordClient := discord.NewDiscordClient(logger, cfg)
	twilioClient := twilio.NewTwilioClient(logger, cfg)
	telegramClient := telegram.NewTelegramClient(logger, cfg)

	// Create combined notifier for all channels
	multiNotifier := notifier.NewMultiNotifier(discordClient, twilioClient, telegramClient)

	c := &Clients{
		Logger:   logger,
		Discord:  discordClient,
		Twilio:   twilioClient,
		Telegram: telegramClient,
		Notifier: multiNotifier,
		Polymarket: polymarket.NewClient(logger, polymarket.Config{
			GammaBaseURL:  cfg.Polymarket.GammaBaseURL,
			DataBaseURL:   cfg.Polymarket.DataBaseURL,
			ClobBaseURL:   cfg.Polymarket.ClobBaseURL,
			APIKey:        cfg.Polymarket.APIKey,
			APISecret:     cfg.Polymarket.APISecret,
			APIPassphrase: cfg.Polymarket.APIPassphrase,
			FunderWallet:  cfg.Polymarket.FunderWallet,
		}),
	}

	// Only create the websocket price stream if configured to use it
	if cfg.Engine.UseStream {
		c.Stream = marketstream.New(logger, cfg.Polymarket.ClobWSURL)
	}

	return c
}
