package telegram

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/bissquit/postqueue/internal/domain"
	"github.com/bissquit/postqueue/internal/pkg/lock"
	"github.com/bissquit/postqueue/internal/queue"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var botNow = time.Date(2026, 3, 10, 14, 0, 0, 0, time.FixedZone("MSK", 3*60*60))

type botHarness struct {
	api   *fakeAPI
	store *queue.MemoryStore
	bot   *Bot
}

func newBotHarness(t *testing.T) *botHarness {
	t.Helper()

	api, srv := newFakeAPI(t)
	client := newTestClient(t, srv)

	clock := func() time.Time { return botNow }
	store := queue.NewMemoryStore(clock, 50)
	locker := lock.NewLocal()
	slots := queue.SlotConfig{
		Interval: 20 * time.Minute,
		Blackout: queue.Window{StartHour: 1, EndHour: 10},
		Location: botNow.Location(),
	}

	renderer, err := queue.NewRenderer(queue.RendererConfig{Location: botNow.Location(), ChannelID: testChannel}, clock)
	require.NoError(t, err)

	rebuilder := queue.NewRebuilder(store, locker, slots, 5)
	publisher := queue.NewPublisher(
		queue.PublisherConfig{MaxAttempts: 5, NotifyTimeout: time.Second},
		store, client, store, client, renderer, rebuilder, clock,
	)
	controller := queue.NewController(store, locker, store, publisher, rebuilder, clock)

	return &botHarness{
		api:   api,
		store: store,
		bot:   NewBot(BotConfig{}, client, controller, store, renderer),
	}
}

func privateMessage(userID int64, messageID int, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: messageID,
		From:      &tgbotapi.User{ID: userID, FirstName: "Ivan", UserName: "ivan"},
		Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
		Text:      text,
	}}
}

func callback(chatID int64, data string, original *tgbotapi.Message) tgbotapi.Update {
	return tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:   "cb-1",
		From: &tgbotapi.User{ID: 5, FirstName: "anna"},
		Message: &tgbotapi.Message{
			MessageID:      900,
			Chat:           &tgbotapi.Chat{ID: chatID, Type: "supergroup"},
			ReplyToMessage: original,
		},
		Data: data,
	}}
}

func TestBot_PrivateMessageCreatesModerationCard(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, privateMessage(1001, 12, "What is love?"))

	copies := h.api.callsTo("copyMessage")
	require.Len(t, copies, 1)
	assert.Equal(t, strconv.FormatInt(testOffers, 10), copies[0].Form.Get("chat_id"))
	assert.Equal(t, "1001", copies[0].Form.Get("from_chat_id"))
	assert.Equal(t, "12", copies[0].Form.Get("message_id"))

	sends := h.api.callsTo("sendMessage")
	require.Len(t, sends, 2)

	card := sends[0]
	assert.Equal(t, strconv.FormatInt(testOffers, 10), card.Form.Get("chat_id"))
	assert.Contains(t, card.Form.Get("text"), "@ivan")
	assert.NotEmpty(t, card.Form.Get("reply_to_message_id"))
	assert.Contains(t, card.Form.Get("reply_markup"), "approve:"+card.Form.Get("reply_to_message_id")+":1001")

	assert.Equal(t, "1001", sends[1].Form.Get("chat_id"))
	assert.Equal(t, receivedText, sends[1].Form.Get("text"))

	author, err := h.store.GetAuthor(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, "ivan", author.Username)
}

func TestBot_StartCommand(t *testing.T) {
	h := newBotHarness(t)

	update := privateMessage(1001, 1, "/start")
	update.Message.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}}
	h.bot.HandleUpdate(context.Background(), update)

	assert.Empty(t, h.api.callsTo("copyMessage"))
	sends := h.api.callsTo("sendMessage")
	require.Len(t, sends, 1)
	assert.Equal(t, greetingText, sends[0].Form.Get("text"))
}

func TestBot_ApproveWithEmptyHistoryPublishes(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()

	original := &tgbotapi.Message{MessageID: 77, Text: "What is love?"}
	h.bot.HandleUpdate(ctx, callback(testOffers, "approve:77:1001", original))

	copies := h.api.callsTo("copyMessage")
	require.Len(t, copies, 1)
	assert.Equal(t, strconv.FormatInt(testChannel, 10), copies[0].Form.Get("chat_id"))
	assert.Equal(t, "77", copies[0].Form.Get("message_id"))

	post, err := h.store.GetByExternalRef(ctx, 77)
	require.NoError(t, err)
	assert.True(t, post.IsPosted)
	assert.Equal(t, "What is love?", post.Content)

	edits := h.api.callsTo("editMessageText")
	require.Len(t, edits, 1)
	assert.Contains(t, edits[0].Form.Get("text"), "Published by Anna")
	assert.Contains(t, edits[0].Form.Get("text"), "https://t.me/c/1234567890/")

	answers := h.api.callsTo("answerCallbackQuery")
	require.Len(t, answers, 1)
	assert.Equal(t, "Approved", answers[0].Form.Get("text"))
}

func TestBot_ApproveQueuedOffersPublishNow(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()

	last := &domain.Post{ExternalRef: 1, AuthorID: 10, ScheduledAt: botNow.Add(-10 * time.Minute)}
	require.NoError(t, h.store.Create(ctx, last))
	require.NoError(t, h.store.MarkPosted(ctx, last.ID, 5, botNow.Add(-10*time.Minute)))

	h.bot.HandleUpdate(ctx, callback(testOffers, "approve:77:1001", &tgbotapi.Message{MessageID: 77, Text: "q"}))

	assert.Empty(t, h.api.callsTo("copyMessage"))

	post, err := h.store.GetByExternalRef(ctx, 77)
	require.NoError(t, err)
	assert.True(t, post.IsPending())

	edits := h.api.callsTo("editMessageText")
	require.Len(t, edits, 1)
	assert.Contains(t, edits[0].Form.Get("text"), "<b>Position:</b> 1")
	assert.Contains(t, edits[0].Form.Get("reply_markup"), "publish:"+post.ID)

	h.bot.HandleUpdate(ctx, callback(testOffers, "publish:"+post.ID, nil))

	require.Len(t, h.api.callsTo("copyMessage"), 1)
	post, err = h.store.GetByExternalRef(ctx, 77)
	require.NoError(t, err)
	assert.True(t, post.IsPosted)
}

func TestBot_RejectUnapprovedSubmission(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()

	h.bot.HandleUpdate(ctx, callback(testOffers, "reject:77:1001", &tgbotapi.Message{MessageID: 77, Text: "q"}))

	sends := h.api.callsTo("sendMessage")
	require.Len(t, sends, 1)
	assert.Equal(t, "1001", sends[0].Form.Get("chat_id"))
	assert.Contains(t, sends[0].Form.Get("text"), "not approved")

	edits := h.api.callsTo("editMessageText")
	require.Len(t, edits, 1)
	assert.Contains(t, edits[0].Form.Get("text"), "Rejected by Anna")

	_, err := h.store.GetByExternalRef(ctx, 77)
	assert.ErrorIs(t, err, queue.ErrPostNotFound)
}

func TestBot_CallbackOutsideOffersChat(t *testing.T) {
	h := newBotHarness(t)

	h.bot.HandleUpdate(context.Background(), callback(-100555, "approve:77:1001", &tgbotapi.Message{MessageID: 77}))

	assert.Empty(t, h.api.callsTo("copyMessage"))
	assert.Empty(t, h.api.callsTo("editMessageText"))
	answers := h.api.callsTo("answerCallbackQuery")
	require.Len(t, answers, 1)
	assert.Equal(t, "Not allowed here", answers[0].Form.Get("text"))
}

func TestBot_DuplicateApproval(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()
	original := &tgbotapi.Message{MessageID: 77, Text: "q"}

	h.bot.HandleUpdate(ctx, callback(testOffers, "approve:77:1001", original))
	h.bot.HandleUpdate(ctx, callback(testOffers, "approve:77:1001", original))

	answers := h.api.callsTo("answerCallbackQuery")
	require.Len(t, answers, 2)
	assert.Equal(t, "Already approved", answers[1].Form.Get("text"))
	assert.Len(t, h.api.callsTo("copyMessage"), 1)
}

func TestBot_StopTwice(t *testing.T) {
	h := newBotHarness(t)

	assert.NotPanics(t, func() {
		h.bot.Stop()
		h.bot.Stop()
	})
}

func TestParseSubmission(t *testing.T) {
	sub, err := parseSubmission("77:1001", &tgbotapi.Message{Caption: "photo question"})
	require.NoError(t, err)
	assert.Equal(t, domain.Submission{ExternalRef: 77, AuthorID: 1001, Content: "photo question"}, sub)

	_, err = parseSubmission("77", nil)
	assert.Error(t, err)
	_, err = parseSubmission("x:1", nil)
	assert.Error(t, err)
}
