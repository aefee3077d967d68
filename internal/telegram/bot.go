package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/CreatorBot/internal/apifree"
	"github.com/digkill/CreatorBot/internal/config"
	"github.com/digkill/CreatorBot/internal/models"
	"github.com/digkill/CreatorBot/internal/service"
	"github.com/digkill/CreatorBot/internal/storage"
)

const (
	maxReferenceBytes = 10 << 20
	// Telegram counts the limit after HTML entities are parsed.
	maxMessageRunes = 4096
)

// API is the subset of *tgbotapi.BotAPI the bot calls.
type API interface {
	Sender
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type ImageStorage interface {
	Enabled() bool
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type Bot struct {
	cfg        config.Config
	api        API
	log        *slog.Logger
	messenger  *Messenger
	users      *service.UserService
	generation *service.GenerationService
	payments   *service.PaymentService
	scheduler  service.Scheduler
	storage    ImageStorage
	state      *StateManager
	httpClient *http.Client
}

func NewBot(cfg config.Config, api API, log *slog.Logger, messenger *Messenger, users *service.UserService, generation *service.GenerationService, payments *service.PaymentService, scheduler service.Scheduler, storage ImageStorage) *Bot {
	return &Bot{
		cfg:        cfg,
		api:        api,
		log:        log,
		messenger:  messenger,
		users:      users,
		generation: generation,
		payments:   payments,
		scheduler:  scheduler,
		storage:    storage,
		state:      NewStateManager(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Run long-polls for updates until ctx is cancelled. Webhook mode skips Run and feeds
// Dispatch from the HTTP server instead.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram long polling started")

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.Dispatch(update)
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

// Dispatch handles one update on the scheduler so a slow chat reply never blocks intake.
func (b *Bot) Dispatch(update tgbotapi.Update) {
	if _, err := b.scheduler.Go("update", func(ctx context.Context) error {
		b.HandleUpdate(ctx, update)
		return nil
	}); err != nil {
		b.log.Warn("update dropped", "update_id", update.UpdateID, "err", err)
	}
}

func (b *Bot) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.PreCheckoutQuery != nil:
		b.handlePreCheckout(update.PreCheckoutQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	switch {
	case msg.SuccessfulPayment != nil:
		b.handleSuccessfulPayment(ctx, msg)
	case len(msg.Photo) > 0 || msg.Document != nil:
		b.handleReferenceImage(ctx, msg)
	case msg.IsCommand():
		b.handleCommand(ctx, msg)
	case strings.TrimSpace(msg.Text) != "":
		if _, ok := b.ensureUser(ctx, msg.From, ""); !ok {
			return
		}
		session := b.state.Get(msg.Chat.ID)
		b.runAction(ctx, msg.Chat.ID, msg.From.ID, session.Mode, msg.Text)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		if _, ok := b.ensureUser(ctx, msg.From, args); !ok {
			return
		}
		b.sendMenu(chatID, "<b>Привет! Я Creator_Kristina.ai 🤍</b>\n\n"+
			"Я умею: <b>ChatGPT</b>, <b>генерация фото</b>, <b>генерация видео</b>.\n\n"+
			"Выбирай режим ниже 👇")
	case "balance":
		b.sendBalance(ctx, chatID, msg.From)
	case "ref":
		b.sendReferral(ctx, chatID, msg.From)
	case "chat":
		b.state.SetMode(chatID, models.KindChat)
		if args != "" {
			b.runActionFor(ctx, chatID, msg.From, models.KindChat, args)
			return
		}
		b.sendText(chatID, "💬 Режим ChatGPT. Просто напиши вопрос.")
	case "image", "video":
		kind := models.KindImage
		if msg.Command() == "video" {
			kind = models.KindVideo
		}
		b.state.SetMode(chatID, kind)
		if args != "" {
			b.runActionFor(ctx, chatID, msg.From, kind, args)
			return
		}
		b.sendText(chatID, modeHint(kind))
	case "clearrefs":
		b.state.ClearReferences(chatID)
		b.sendText(chatID, "Референсы очищены.")
	case "buy":
		b.sendInvoice(ctx, chatID, msg.From)
	case "help":
		b.sendMenu(chatID, helpText)
	default:
		b.sendText(chatID, "Неизвестная команда. Напиши /help.")
	}
}

const helpText = "🛟 <b>Как пользоваться</b>\n\n" +
	"1) Напиши текст — получишь ответ ChatGPT\n" +
	"2) /image или /video и промпт — сгенерирую фото или видео\n" +
	"3) Пришли фото перед промптом — оно станет референсом (/clearrefs очистит)\n" +
	"4) Хочешь больше бесплатных генераций — нажми 🎁 и пригласи друга"

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		b.ack(cb.ID, "")
		return
	}
	chatID := cb.Message.Chat.ID

	switch cb.Data {
	case cbBackMenu:
		b.ack(cb.ID, "")
		b.sendMenu(chatID, "Меню 👇")
	case cbHelp:
		b.ack(cb.ID, "")
		b.sendMenu(chatID, helpText)
	case cbRefShare:
		b.ack(cb.ID, "")
		b.sendReferral(ctx, chatID, cb.From)
	case cbBalance:
		b.ack(cb.ID, "")
		b.sendBalance(ctx, chatID, cb.From)
	case cbProBuy:
		b.ack(cb.ID, "")
		b.sendInvoice(ctx, chatID, cb.From)
	case cbModeChat, cbModeImage, cbModeVideo:
		kind, _ := models.ParseJobKind(strings.TrimPrefix(cb.Data, "mode:"))
		b.state.SetMode(chatID, kind)
		b.ack(cb.ID, "Режим выбран")
		b.sendText(chatID, modeHint(kind))
	default:
		b.ack(cb.ID, "Неизвестный выбор")
	}
}

func modeHint(kind models.JobKind) string {
	switch kind {
	case models.KindImage:
		return "🖼 Режим фото. Опиши картинку, можно приложить референс."
	case models.KindVideo:
		return "🎬 Режим видео. Опиши сцену, можно приложить стартовый кадр."
	default:
		return "💬 Режим ChatGPT. Просто напиши вопрос."
	}
}

func (b *Bot) runActionFor(ctx context.Context, chatID int64, from *tgbotapi.User, kind models.JobKind, text string) {
	if _, ok := b.ensureUser(ctx, from, ""); !ok {
		return
	}
	b.runAction(ctx, chatID, from.ID, kind, text)
}

func (b *Bot) runAction(ctx context.Context, chatID, ownerID int64, kind models.JobKind, text string) {
	req := service.ActionRequest{OwnerID: ownerID, Kind: kind, Deliver: true}
	if kind == models.KindChat {
		req.Payload = map[string]any{"text": text}
		b.sendText(chatID, "⌛ Думаю...")
	} else {
		req.Payload = map[string]any{"prompt": text}
		if refs := b.state.Get(chatID).ReferenceURLs; len(refs) > 0 {
			req.Payload["image_url"] = refs[len(refs)-1]
		}
	}

	res, err := b.generation.Submit(ctx, req)
	switch {
	case errors.Is(err, service.ErrMalformedRequest):
		b.sendText(chatID, "Промпт не может быть пустым.")
		return
	case errors.Is(err, apifree.ErrProviderRejected), errors.Is(err, apifree.ErrProviderUnavailable):
		b.log.Warn("provider call failed", "user", ownerID, "kind", kind, "err", err)
		b.sendText(chatID, "⚠️ Сервис генерации ответил ошибкой, кредит возвращён. Попробуй ещё раз.")
		return
	case err != nil:
		b.log.Error("billable action failed", "user", ownerID, "kind", kind, "err", err)
		b.sendText(chatID, "Что-то пошло не так, попробуй позже.")
		return
	}

	if !res.Authorized {
		b.notify(chatID, "⚠️ У тебя закончились кредиты. Нажми ⭐ PRO или пригласи друга 🎁", outOfCreditsKeyboard())
		return
	}
	if kind == models.KindChat {
		parts := splitText(res.Answer, maxMessageRunes)
		for i, part := range parts {
			var controls models.Keyboard
			if i == len(parts)-1 {
				controls = mainMenu(b.cfg.MiniAppURL())
			}
			b.notify(chatID, html.EscapeString(part), controls)
		}
	}
}

func (b *Bot) sendBalance(ctx context.Context, chatID int64, from *tgbotapi.User) {
	user, ok := b.ensureUser(ctx, from, "")
	if !ok {
		return
	}
	b.sendMenu(chatID, fmt.Sprintf("💳 <b>Баланс</b>\n• PRO: <b>%d</b>\n• Обычные: <b>%d</b>", user.CreditsPriority, user.CreditsStandard))
}

func (b *Bot) sendReferral(ctx context.Context, chatID int64, from *tgbotapi.User) {
	user, ok := b.ensureUser(ctx, from, "")
	if !ok {
		return
	}
	link := b.users.ReferralLink(user.ID)
	if link == "" {
		b.sendText(chatID, "Реферальные ссылки пока недоступны.")
		return
	}
	text := "🎁 <b>Приглашай друзей</b> и получай бесплатные генерации!\n\n" +
		"Твоя ссылка:\n<code>" + html.EscapeString(link) + "</code>\n\n" +
		"Друг запускает бота по ссылке → вам обоим начисляются кредиты."
	b.notify(chatID, text, shareKeyboard(link))
}

func (b *Bot) sendInvoice(ctx context.Context, chatID int64, from *tgbotapi.User) {
	user, ok := b.ensureUser(ctx, from, "")
	if !ok {
		return
	}
	inv, err := b.payments.Invoice(user.ID)
	if errors.Is(err, service.ErrPaymentsDisabled) {
		b.sendMenu(chatID, "⭐ PRO сейчас выключен.")
		return
	}
	if err != nil {
		b.log.Error("build invoice", "err", err)
		return
	}
	if err := b.messenger.SendStarsInvoice(chatID, inv); err != nil {
		b.log.Error("send invoice", "err", err)
		b.sendText(chatID, "Не удалось отправить счёт. Попробуйте позже.")
	}
}

func (b *Bot) handlePreCheckout(q *tgbotapi.PreCheckoutQuery) {
	var userID int64
	if q.From != nil {
		userID = q.From.ID
	}
	err := b.payments.ValidateCheckout(userID, q.InvoicePayload, q.Currency, q.TotalAmount)
	if err != nil {
		b.log.Warn("pre-checkout rejected", "user", userID, "err", err)
	}
	if err := b.messenger.AnswerPreCheckout(q.ID, err); err != nil {
		b.log.Error("answer pre-checkout", "err", err)
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	if _, ok := b.ensureUser(ctx, msg.From, ""); !ok {
		return
	}
	p := msg.SuccessfulPayment
	settled, err := b.payments.HandleSuccessfulPayment(ctx, service.Charge{
		UserID:   msg.From.ID,
		ChargeID: p.TelegramPaymentChargeID,
		Currency: p.Currency,
		Amount:   p.TotalAmount,
		Payload:  p.InvoicePayload,
	})
	if err != nil {
		b.log.Error("process successful payment", "err", err)
		b.sendText(msg.Chat.ID, "Оплата получена, но зачислить кредиты не вышло. Напиши в поддержку.")
		return
	}
	if settled {
		b.sendMenu(msg.Chat.ID, fmt.Sprintf("⭐ Оплата получена! +%d PRO кредитов.", b.payments.CreditsPerPurchase()))
	}
}

func (b *Bot) handleReferenceImage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !b.storage.Enabled() {
		b.sendText(chatID, "Референсы сейчас не поддерживаются.")
		return
	}

	var fileID, contentType string
	switch {
	case len(msg.Photo) > 0:
		fileID = msg.Photo[len(msg.Photo)-1].FileID
		contentType = "image/jpeg"
	case msg.Document != nil:
		fileID = msg.Document.FileID
		contentType = msg.Document.MimeType
	}

	url, err := b.uploadReference(ctx, fileID, contentType)
	if err != nil {
		if errors.Is(err, storage.ErrNotImage) {
			b.sendText(chatID, "Это не изображение. Пришлите фото или картинку.")
			return
		}
		b.log.Error("reference upload failed", "err", err)
		b.sendText(chatID, "Не удалось сохранить референс, попробуйте снова.")
		return
	}

	n := b.state.AddReference(chatID, url)
	b.sendText(chatID, fmt.Sprintf("Референс сохранён (%d/%d). Теперь отправь промпт.", n, maxReferenceImages))
}

func (b *Bot) uploadReference(ctx context.Context, fileID, contentType string) (string, error) {
	fileURL, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("get file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceBytes))
	if err != nil {
		return "", fmt.Errorf("read file body: %w", err)
	}
	if ct := resp.Header.Get("Content-Type"); contentType == "" {
		contentType = ct
	}
	return b.storage.Upload(ctx, data, contentType)
}

// ensureUser registers first contacts; the start payload only matters on /start.
func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User, startPayload string) (*models.User, bool) {
	if from == nil {
		return nil, false
	}
	user, _, err := b.users.Ensure(ctx, service.Contact{
		ID:           from.ID,
		Username:     from.UserName,
		FirstName:    from.FirstName,
		StartPayload: startPayload,
	})
	if err != nil {
		b.log.Error("ensure user", "user", from.ID, "err", err)
		return nil, false
	}
	return user, true
}

func (b *Bot) ack(callbackID, text string) {
	if err := b.messenger.AcknowledgeInteraction(callbackID, text); err != nil {
		b.log.Warn("callback ack failed", "err", err)
	}
}

func (b *Bot) sendMenu(chatID int64, text string) {
	b.notify(chatID, text, mainMenu(b.cfg.MiniAppURL()))
}

func (b *Bot) sendText(chatID int64, text string) {
	b.notify(chatID, text, nil)
}

func (b *Bot) notify(chatID int64, text string, controls models.Keyboard) {
	if err := b.messenger.NotifyText(chatID, text, controls); err != nil {
		b.log.Error("send text", "chat", chatID, "err", err)
	}
}

// splitText cuts text into chunks of at most limit runes, preferring to break after a
// newline in the second half of a chunk.
func splitText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
