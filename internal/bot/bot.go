package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/whoop-insight-bot/internal/assistant"
	"github.com/xaenox/whoop-insight-bot/internal/exchange"
	"github.com/xaenox/whoop-insight-bot/internal/llm"
	"github.com/xaenox/whoop-insight-bot/internal/models"
	"github.com/xaenox/whoop-insight-bot/internal/storage"
	"github.com/xaenox/whoop-insight-bot/internal/viz"
	"go.uber.org/zap"
)

const (
	callbackSuggestions   = "action:" + string(models.ActionSuggestions)
	callbackDiet          = "action:" + string(models.ActionDietSuggestions)
	callbackVisualization = "action:" + string(models.ActionVisualization)
	callbackNotSatisfied  = "feedback:no"
	callbackShowCode      = "viz:code"
	callbackEnd           = "end"

	historyEntries  = 5
	maxMessageRunes = 4000
)

// Sender is the part of the Telegram API the bot talks through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// SessionFactory creates the exchange session for a new chat.
type SessionFactory func(chatID int64) *exchange.Session

type chat struct {
	mu      sync.Mutex
	session *exchange.Session
}

type Bot struct {
	api        *tgbotapi.BotAPI
	sender     Sender
	newSession SessionFactory
	mu         sync.Mutex
	chats      map[int64]*chat
	logger     *zap.Logger
}

func New(token string, debug bool, newSession SessionFactory, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = debug

	b := NewWithSender(api, newSession, logger)
	b.api = api
	logger.Info("Authorized on Telegram", zap.String("username", api.Self.UserName))
	return b, nil
}

// NewWithSender builds a bot that replies through sender. It can handle
// updates but not poll for them.
func NewWithSender(sender Sender, newSession SessionFactory, logger *zap.Logger) *Bot {
	return &Bot{
		sender:     sender,
		newSession: newSession,
		chats:      make(map[int64]*chat),
		logger:     logger,
	}
}

// Start long-polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	if b.api == nil {
		return errors.New("bot has no Telegram connection")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.handleUpdate(ctx, update)
			}()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) chat(chatID int64) *chat {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.chats[chatID]
	if !ok {
		c = &chat{session: b.newSession(chatID)}
		b.chats[chatID] = c
	}
	return c
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	c := b.chat(message.Chat.ID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if message.IsCommand() {
		b.handleCommand(message, c.session)
		return
	}

	text := strings.TrimSpace(message.Text)
	if text == "" {
		b.sendMessage(message.Chat.ID, "Please send your question as text.")
		return
	}

	if c.session.AwaitingChartPrompt() {
		b.sendMessage(message.Chat.ID, "Generating visualization, please wait...")
		ex, err := c.session.Visualize(ctx, text)
		if err != nil {
			b.sendFailure(message.Chat.ID, ex, err)
			return
		}
		b.sendVisualization(message.Chat.ID, ex)
		return
	}

	b.sendMessage(message.Chat.ID, "Fetching data, please wait...")
	ex, err := c.session.Submit(ctx, text)
	if err != nil {
		b.sendFailure(message.Chat.ID, ex, err)
		return
	}
	b.sendInsight(message.Chat.ID, message.MessageID, ex)
}

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if _, err := b.sender.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.logger.Warn("Failed to answer callback", zap.Error(err))
	}
	if query.Message == nil || query.Message.Chat == nil {
		return
	}

	chatID := query.Message.Chat.ID
	c := b.chat(chatID)
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		ex  models.Exchange
		err error
	)
	switch query.Data {
	case callbackSuggestions, callbackDiet, callbackVisualization:
		action := models.Action(strings.TrimPrefix(query.Data, "action:"))
		ex, err = c.session.SelectAction(ctx, action)
		if err == nil && action == models.ActionVisualization && ex.VisualizationImage == "" {
			b.sendMessage(chatID, "Enter the type of visualization (e.g., bar chart, line chart):")
			return
		}
	case callbackNotSatisfied:
		ex, err = c.session.NotSatisfied(ctx)
	case callbackShowCode:
		b.sendCode(chatID, c.session.Current())
		return
	case callbackEnd:
		_, err = c.session.End()
		if err == nil {
			b.sendMessage(chatID, "Exchange saved. Ask me another question!")
			return
		}
	default:
		b.logger.Warn("Unknown callback", zap.String("data", query.Data))
		return
	}

	if err != nil {
		b.sendFailure(chatID, ex, err)
		return
	}
	b.sendActionResult(chatID, ex)
}

func (b *Bot) handleCommand(message *tgbotapi.Message, session *exchange.Session) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "history":
		b.handleHistory(message, session)
	case "reset":
		b.handleReset(message, session)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to the WHOOP Insight Assistant! 💪
Ask me anything about your sleep, recovery, strain or workouts, for example:
"What was my average strain last week?"

Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/history - Show your recent exchanges
/reset - Discard the current exchange
/reset all - Also forget your finished exchanges

Send a question in plain text. After the insight you can ask for suggestions, diet suggestions or a visualization.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleReset(message *tgbotapi.Message, session *exchange.Session) {
	if strings.TrimSpace(message.CommandArguments()) != "all" {
		session.Reset()
		b.sendMessage(message.Chat.ID, "Conversation reset. Ask me a question about your WHOOP data.")
		return
	}

	if err := session.ClearHistory(); err != nil {
		b.logger.Error("Failed to clear history",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't clear your history.")
		return
	}
	b.sendMessage(message.Chat.ID, "Conversation and history cleared.")
}

func (b *Bot) handleHistory(message *tgbotapi.Message, session *exchange.Session) {
	exchanges, err := session.History(historyEntries)
	if err != nil {
		b.logger.Error("Failed to get history",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't retrieve your history.")
		return
	}

	if len(exchanges) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any finished exchanges yet.")
		return
	}

	response := "*Your recent exchanges:*\n\n"
	for i := len(exchanges) - 1; i >= 0; i-- {
		ex := exchanges[i]
		response += fmt.Sprintf("*%s*\n", escapeMarkdown(ex.UserInput))
		response += fmt.Sprintf("_%s_\n", escapeMarkdown(truncate(ex.Insight, 300)))
		if ex.Action != "" {
			response += escapeMarkdown(fmt.Sprintf("Action: %s (%d regenerations)", ex.Action.Label(), ex.Iterations)) + "\n"
		}
		response += "\n"
	}

	b.sendMarkdown(message.Chat.ID, response, nil)
}

func (b *Bot) sendInsight(chatID int64, replyToID int, ex models.Exchange) {
	text := fmt.Sprintf("*Insight:*\n%s", escapeMarkdown(truncate(ex.Insight, maxMessageRunes)))

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.ReplyToMessageID = replyToID
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(models.ActionSuggestions.Label(), callbackSuggestions),
			tgbotapi.NewInlineKeyboardButtonData(models.ActionDietSuggestions.Label(), callbackDiet),
			tgbotapi.NewInlineKeyboardButtonData(models.ActionVisualization.Label(), callbackVisualization),
		),
	)
	b.send(chatID, msg)
}

func (b *Bot) sendActionResult(chatID int64, ex models.Exchange) {
	var body string
	switch ex.Action {
	case models.ActionSuggestions:
		body = ex.Suggestions
	case models.ActionDietSuggestions:
		body = ex.DietSuggestions
	case models.ActionVisualization:
		b.sendVisualization(chatID, ex)
		return
	}

	text := fmt.Sprintf("*%s:*\n%s", escapeMarkdown(ex.Action.Label()), escapeMarkdown(truncate(body, maxMessageRunes)))
	if ex.Iterations > 0 {
		text += "\n\n" + escapeMarkdown(fmt.Sprintf("(attempt %d)", ex.Iterations+1))
	}
	b.sendMarkdown(chatID, text, followUpKeyboard(false))
}

func (b *Bot) sendVisualization(chatID int64, ex models.Exchange) {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(ex.VisualizationImage))
	photo.Caption = "Visualization: " + ex.VisualizationPrompt
	photo.ReplyMarkup = followUpKeyboard(true)
	b.send(chatID, photo)
}

func (b *Bot) sendCode(chatID int64, ex models.Exchange) {
	if ex.VisualizationCode == "" {
		b.sendMessage(chatID, "There is no generated code to show yet.")
		return
	}
	b.sendMarkdown(chatID, "```python\n"+escapeCode(truncate(ex.VisualizationCode, maxMessageRunes))+"\n```", nil)
}

func followUpKeyboard(withCode bool) tgbotapi.InlineKeyboardMarkup {
	row := []tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardButtonData("Not satisfied", callbackNotSatisfied),
	}
	if withCode {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData("Show Code", callbackShowCode))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		row,
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("End & start new conversation", callbackEnd),
		),
	)
}

// sendFailure maps pipeline errors to short replies. Details stay in the log.
func (b *Bot) sendFailure(chatID int64, ex models.Exchange, err error) {
	b.logger.Warn("Request failed",
		zap.Int64("chat_id", chatID),
		zap.String("question", ex.UserInput),
		zap.String("sql", ex.GeneratedSQL),
		zap.Error(err))

	var execErr *viz.ExecutionError
	switch {
	case errors.Is(err, exchange.ErrNoData):
		b.sendErrorMessage(chatID, "No data found for your question. Try asking it differently.")
	case errors.Is(err, storage.ErrQueryFailed):
		b.sendErrorMessage(chatID, "I couldn't run a query for that question. Please rephrase it.")
	case errors.Is(err, assistant.ErrNotReadOnly):
		b.sendErrorMessage(chatID, "That question led to a statement that would modify data, so I didn't run it.")
	case errors.Is(err, viz.ErrNoCode):
		b.sendErrorMessage(chatID, "There was an issue generating the visualization after multiple attempts. Please try again later.")
	case errors.As(err, &execErr):
		b.sendErrorMessage(chatID, "The visualization code failed to run:\n"+truncate(execErr.Trace, 1500))
	case llm.IsProviderError(err):
		b.sendErrorMessage(chatID, "The language model is unavailable right now. Please try again later.")
	case errors.Is(err, exchange.ErrInvalidTransition):
		b.sendErrorMessage(chatID, "That isn't possible right now. Finish the current exchange with \"End & start new conversation\" or use /reset.")
	default:
		b.sendErrorMessage(chatID, "Sorry, something went wrong. Please try again.")
	}
}

// escapeMarkdown escapes special characters for MarkdownV2.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

// escapeCode escapes the characters MarkdownV2 reserves inside pre blocks.
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func (b *Bot) send(chatID int64, c tgbotapi.Chattable) {
	if _, err := b.sender.Send(c); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendMarkdown(chatID int64, text string, markup any) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if markup != nil {
		msg.ReplyMarkup = markup
	}
	b.send(chatID, msg)
}

func (b *Bot) sendMessage(chatID int64, text string) {
	b.send(chatID, tgbotapi.NewMessage(chatID, text))
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	b.send(chatID, tgbotapi.NewMessage(chatID, "⚠️ "+text))
}
