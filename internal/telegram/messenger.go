package telegram

import (
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/CreatorBot/internal/models"
	"github.com/digkill/CreatorBot/internal/service"
)

var ErrDeliveryFailed = errors.New("telegram delivery failed")

// Sender is the part of *tgbotapi.BotAPI used for outbound calls.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Messenger sends HTML-formatted notices, media by URL and Stars invoices.
type Messenger struct {
	api Sender
}

func NewMessenger(api Sender) *Messenger {
	return &Messenger{api: api}
}

func (m *Messenger) NotifyText(chatID int64, text string, controls models.Keyboard) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if markup, ok := inlineKeyboard(controls); ok {
		msg.ReplyMarkup = markup
	}
	return m.send(msg, "text")
}

func (m *Messenger) NotifyImage(chatID int64, url, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(url))
	photo.Caption = caption
	photo.ParseMode = tgbotapi.ModeHTML
	return m.send(photo, "photo")
}

func (m *Messenger) NotifyVideo(chatID int64, url, caption string) error {
	video := tgbotapi.NewVideo(chatID, tgbotapi.FileURL(url))
	video.Caption = caption
	video.ParseMode = tgbotapi.ModeHTML
	video.SupportsStreaming = true
	return m.send(video, "video")
}

// AcknowledgeInteraction stops the button spinner; a non-empty text shows as a toast.
func (m *Messenger) AcknowledgeInteraction(interactionID, text string) error {
	if _, err := m.api.Request(tgbotapi.NewCallback(interactionID, text)); err != nil {
		return fmt.Errorf("%w: answer callback: %v", ErrDeliveryFailed, err)
	}
	return nil
}

func (m *Messenger) SendStarsInvoice(chatID int64, inv service.StarsInvoice) error {
	invoice := tgbotapi.NewInvoice(chatID,
		inv.Title,
		inv.Description,
		inv.Payload,
		"",
		"pro",
		"XTR",
		[]tgbotapi.LabeledPrice{{Label: inv.Label, Amount: inv.Amount}},
	)
	// Telegram rejects a null tip list.
	invoice.SuggestedTipAmounts = []int{}
	return m.send(invoice, "invoice")
}

func (m *Messenger) AnswerPreCheckout(queryID string, err error) error {
	answer := tgbotapi.PreCheckoutConfig{PreCheckoutQueryID: queryID, OK: err == nil}
	if err != nil {
		answer.ErrorMessage = "Платёж не прошёл проверку, попробуй ещё раз."
	}
	if _, reqErr := m.api.Request(answer); reqErr != nil {
		return fmt.Errorf("%w: answer pre-checkout: %v", ErrDeliveryFailed, reqErr)
	}
	return nil
}

func (m *Messenger) send(c tgbotapi.Chattable, what string) error {
	if _, err := m.api.Send(c); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrDeliveryFailed, what, err)
	}
	return nil
}

func inlineKeyboard(controls models.Keyboard) (tgbotapi.InlineKeyboardMarkup, bool) {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, row := range controls {
		var buttons []tgbotapi.InlineKeyboardButton
		for _, b := range row {
			switch {
			case b.URL != "":
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
			case b.SwitchQuery != "":
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonSwitch(b.Text, b.SwitchQuery))
			case b.Data != "":
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
			}
		}
		if len(buttons) > 0 {
			rows = append(rows, buttons)
		}
	}
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}
