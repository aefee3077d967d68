package telegram

import "github.com/digkill/CreatorBot/internal/models"

const (
	cbModeChat  = "mode:chat"
	cbModeImage = "mode:image"
	cbModeVideo = "mode:video"
	cbRefShare  = "ref:share"
	cbBalance   = "me:balance"
	cbHelp      = "help"
	cbProBuy    = "pro:buy"
	cbBackMenu  = "back:menu"
)

func mainMenu(miniAppURL string) models.Keyboard {
	second := []models.Button{{Text: "🎬 Видео", Data: cbModeVideo}}
	if miniAppURL != "" {
		second = append(second, models.Button{Text: "⚡ Mini‑App", URL: miniAppURL})
	}
	return models.Keyboard{
		{{Text: "💬 ChatGPT", Data: cbModeChat}, {Text: "🖼 Фото", Data: cbModeImage}},
		second,
		{{Text: "🎁 Пригласить друга", Data: cbRefShare}, {Text: "⭐ PRO (Stars)", Data: cbProBuy}},
		{{Text: "ℹ️ Баланс", Data: cbBalance}, {Text: "🛟 Помощь", Data: cbHelp}},
	}
}

func shareKeyboard(link string) models.Keyboard {
	return models.Keyboard{
		{{Text: "🔗 Поделиться ссылкой", SwitchQuery: link}},
		{{Text: "⬅️ Назад", Data: cbBackMenu}},
	}
}

func outOfCreditsKeyboard() models.Keyboard {
	return models.Keyboard{
		{{Text: "⭐ PRO (Stars)", Data: cbProBuy}, {Text: "🎁 Пригласить друга", Data: cbRefShare}},
	}
}
