// Package telegram connects the publication queue to the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const defaultRateLimit = 25.0

// Config holds Bot API settings.
type Config struct {
	BotToken string
	// APIEndpoint is a format string taking the token and the method name.
	APIEndpoint  string
	ChannelID    int64
	OffersChatID int64
	RateLimit    float64
	Timeout      time.Duration
}

// Client copies posts into the channel and messages authors.
type Client struct {
	config  Config
	api     *tgbotapi.BotAPI
	limiter *rate.Limiter
}

// NewClient connects to the Bot API. It fails when the token is rejected.
func NewClient(config Config) (*Client, error) {
	if config.BotToken == "" {
		return nil, errors.New("telegram: bot token is required")
	}
	if config.ChannelID == 0 || config.OffersChatID == 0 {
		return nil, errors.New("telegram: channel and offers chat ids are required")
	}
	if config.APIEndpoint == "" {
		config.APIEndpoint = tgbotapi.APIEndpoint
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	api, err := tgbotapi.NewBotAPIWithClient(config.BotToken, config.APIEndpoint, &http.Client{Timeout: config.Timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", classify(err))
	}

	slog.Info("telegram client configured",
		"bot", api.Self.UserName,
		"channel_id", config.ChannelID,
		"offers_chat_id", config.OffersChatID,
		"rate_limit", config.RateLimit,
	)

	return &Client{
		config:  config,
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}, nil
}

// CopyToChannel copies an offers chat message into the channel and returns
// the channel message id.
func (c *Client) CopyToChannel(ctx context.Context, externalRef int64) (int64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit wait: %w", err)
	}

	id, err := c.api.CopyMessage(tgbotapi.NewCopyMessage(c.config.ChannelID, c.config.OffersChatID, int(externalRef)))
	if err != nil {
		return 0, classify(err)
	}
	return int64(id.MessageID), nil
}

// NotifyAuthor sends an HTML message to a user's private chat.
func (c *Client) NotifyAuthor(ctx context.Context, authorID int64, message string) error {
	_, err := c.send(ctx, authorID, message, nil, 0)
	return err
}

func (c *Client) send(ctx context.Context, chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup, replyTo int) (tgbotapi.Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return tgbotapi.Message{}, fmt.Errorf("rate limit wait: %w", err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	msg.ReplyToMessageID = replyTo
	if markup != nil {
		msg.ReplyMarkup = *markup
	}

	sent, err := c.api.Send(msg)
	if err != nil {
		return tgbotapi.Message{}, classify(err)
	}
	return sent, nil
}

func (c *Client) copyMessage(ctx context.Context, toChat, fromChat int64, messageID int) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit wait: %w", err)
	}

	id, err := c.api.CopyMessage(tgbotapi.NewCopyMessage(toChat, fromChat, messageID))
	if err != nil {
		return 0, classify(err)
	}
	return id.MessageID, nil
}

func (c *Client) editCard(ctx context.Context, chatID int64, messageID int, text string, markup *tgbotapi.InlineKeyboardMarkup) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var edit tgbotapi.EditMessageTextConfig
	if markup != nil {
		edit = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, *markup)
	} else {
		edit = tgbotapi.NewEditMessageText(chatID, messageID, text)
	}
	edit.ParseMode = tgbotapi.ModeHTML
	edit.DisableWebPagePreview = true

	if _, err := c.api.Request(edit); err != nil {
		return classify(err)
	}
	return nil
}

func (c *Client) answerCallback(callbackID, text string) {
	if _, err := c.api.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		slog.Warn("failed to answer callback", "error", err)
	}
}
