package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/bissquit/postqueue/internal/domain"
	"github.com/bissquit/postqueue/internal/queue"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Callback actions encoded in inline button data.
const (
	actionApprove    = "approve"
	actionReject     = "reject"
	actionPublishNow = "publish"
	actionDrop       = "drop"
)

const (
	greetingText = "Send me your question and it will be passed to the moderators."
	receivedText = "Your question was sent to the moderators."
)

// BotConfig contains update polling settings.
type BotConfig struct {
	PollTimeout int
}

// Bot accepts submissions in private chats and handles moderator buttons in
// the offers chat.
type Bot struct {
	config     BotConfig
	client     *Client
	controller *queue.Controller
	authors    queue.Authors
	renderer   *queue.Renderer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBot creates a bot. authors may be nil.
func NewBot(config BotConfig, client *Client, controller *queue.Controller, authors queue.Authors, renderer *queue.Renderer) *Bot {
	if config.PollTimeout <= 0 {
		config.PollTimeout = 30
	}
	return &Bot{
		config:     config,
		client:     client,
		controller: controller,
		authors:    authors,
		renderer:   renderer,
		stopCh:     make(chan struct{}),
	}
}

// Start begins long polling for updates.
func (b *Bot) Start(ctx context.Context) {
	slog.Info("telegram bot started", "bot", b.client.api.Self.UserName)

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = b.config.PollTimeout
	updates := b.client.api.GetUpdatesChan(updateConfig)

	b.wg.Add(1)
	go b.run(ctx, updates)
}

// Stop stops polling and waits for the update in flight.
// Calling Stop more than once is safe.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.client.api.StopReceivingUpdates()
		b.wg.Wait()
		slog.Info("telegram bot stopped")
	})
}

func (b *Bot) run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.HandleUpdate(ctx, update)
		}
	}
}

// HandleUpdate dispatches one update.
func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.Chat != nil && update.Message.Chat.IsPrivate():
		b.handlePrivateMessage(ctx, update.Message)
	}
}

func (b *Bot) handlePrivateMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	logger := slog.With("user_id", msg.From.ID, "message_id", msg.MessageID)

	if msg.IsCommand() {
		if msg.Command() == "start" {
			b.reply(ctx, msg.Chat.ID, greetingText)
		}
		return
	}

	author := &domain.User{ID: msg.From.ID, Username: msg.From.UserName, FirstName: msg.From.FirstName}
	if b.authors != nil {
		if err := b.authors.UpsertAuthor(ctx, author); err != nil {
			logger.Warn("failed to store author", "error", err)
		}
	}

	ref, err := b.client.copyMessage(ctx, b.client.config.OffersChatID, msg.Chat.ID, msg.MessageID)
	if err != nil {
		logger.Error("failed to forward submission to offers chat", "error", err)
		return
	}

	card := fmt.Sprintf("📝 New question from %s", html.EscapeString(author.DisplayName()))
	keyboard := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✅ Approve", submissionData(actionApprove, int64(ref), author.ID)),
		tgbotapi.NewInlineKeyboardButtonData("❌ Reject", submissionData(actionReject, int64(ref), author.ID)),
	))
	if _, err := b.client.send(ctx, b.client.config.OffersChatID, card, &keyboard, ref); err != nil {
		logger.Error("failed to send moderation card", "external_ref", ref, "error", err)
		return
	}

	logger.Info("submission received", "external_ref", ref)
	b.reply(ctx, msg.Chat.ID, receivedText)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil || cb.Message.Chat == nil || cb.Message.Chat.ID != b.client.config.OffersChatID {
		b.client.answerCallback(cb.ID, "Not allowed here")
		return
	}

	action, args, _ := strings.Cut(cb.Data, ":")
	adminName := ""
	if cb.From != nil {
		adminName = cb.From.FirstName
	}
	logger := slog.With("action", action, "admin", adminName)

	var (
		text   string
		markup *tgbotapi.InlineKeyboardMarkup
		answer string
		err    error
	)

	switch action {
	case actionApprove:
		var sub domain.Submission
		sub, err = parseSubmission(args, cb.Message.ReplyToMessage)
		if err == nil {
			text, markup, err = b.approve(ctx, sub, adminName)
			answer = "Approved"
		}
	case actionReject:
		var sub domain.Submission
		sub, err = parseSubmission(args, cb.Message.ReplyToMessage)
		if err == nil {
			_, err = b.controller.RejectSubmission(ctx, sub)
			text, answer = b.render(queue.NoticeAdminRejected, queue.Notice{AdminName: adminName}), "Rejected"
		}
	case actionDrop:
		_, err = b.controller.Reject(ctx, args)
		text, answer = b.render(queue.NoticeAdminRejected, queue.Notice{AdminName: adminName}), "Rejected"
	case actionPublishNow:
		var outcome *queue.PublishOutcome
		outcome, err = b.controller.PublishNow(ctx, args)
		if err == nil {
			text = b.publishedCard(outcome, adminName)
			answer = "Published"
		}
	default:
		err = fmt.Errorf("unknown action %q", action)
	}

	if err != nil {
		logger.Warn("moderation action failed", "data", cb.Data, "error", err)
		b.client.answerCallback(cb.ID, callbackError(err))
		return
	}

	if err := b.client.editCard(ctx, cb.Message.Chat.ID, cb.Message.MessageID, text, markup); err != nil {
		logger.Warn("failed to update moderation card", "error", err)
	}
	b.client.answerCallback(cb.ID, answer)
}

func (b *Bot) approve(ctx context.Context, sub domain.Submission, adminName string) (string, *tgbotapi.InlineKeyboardMarkup, error) {
	result, err := b.controller.Approve(ctx, sub)
	if err != nil {
		return "", nil, err
	}

	if result.Published != nil {
		return b.publishedCard(result.Published, adminName), nil, nil
	}

	text := b.render(queue.NoticeAdminQueued, queue.Notice{
		Post:        result.Post,
		Position:    result.Position,
		ScheduledAt: result.ScheduledAt,
		AdminName:   adminName,
	})
	keyboard := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("📢 Publish now", actionPublishNow+":"+result.Post.ID),
		tgbotapi.NewInlineKeyboardButtonData("❌ Reject", actionDrop+":"+result.Post.ID),
	))
	return text, &keyboard, nil
}

func (b *Bot) publishedCard(outcome *queue.PublishOutcome, adminName string) string {
	return b.render(queue.NoticeAdminPublished, queue.Notice{
		Post:        outcome.Post,
		PublishedAt: outcome.PostedAt,
		ChannelLink: b.renderer.ChannelLink(outcome.ChannelRef),
		Payment:     outcome.Payment,
		AdminName:   adminName,
	})
}

func (b *Bot) render(kind queue.NoticeType, notice queue.Notice) string {
	text, err := b.renderer.Render(kind, notice)
	if err != nil {
		slog.Error("failed to render moderation card", "kind", kind, "error", err)
		return string(kind)
	}
	return text
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.client.send(ctx, chatID, text, nil, 0); err != nil {
		slog.Warn("failed to reply", "chat_id", chatID, "error", err)
	}
}

func submissionData(action string, ref, authorID int64) string {
	return fmt.Sprintf("%s:%d:%d", action, ref, authorID)
}

// parseSubmission reads "<external ref>:<author id>" and takes the content
// from the copied message the card replies to.
func parseSubmission(args string, original *tgbotapi.Message) (domain.Submission, error) {
	refStr, authorStr, ok := strings.Cut(args, ":")
	if !ok {
		return domain.Submission{}, fmt.Errorf("malformed submission data %q", args)
	}
	ref, err := strconv.ParseInt(refStr, 10, 64)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("parse external ref: %w", err)
	}
	authorID, err := strconv.ParseInt(authorStr, 10, 64)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("parse author id: %w", err)
	}

	sub := domain.Submission{ExternalRef: ref, AuthorID: authorID}
	if original != nil {
		sub.Content = original.Text
		if sub.Content == "" {
			sub.Content = original.Caption
		}
	}
	return sub, nil
}

func callbackError(err error) string {
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		return "Already approved"
	case errors.Is(err, queue.ErrNotPending):
		return "Already published or rejected"
	case errors.Is(err, queue.ErrAlreadyPaid):
		return "Paid posts keep their slot"
	case errors.Is(err, queue.ErrPostNotFound):
		return "Post not found"
	default:
		return "Action failed"
	}
}
