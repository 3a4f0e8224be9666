package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Blockeeer/ai-hair-simulation/internal/jobs"
	"github.com/Blockeeer/ai-hair-simulation/internal/models"
	"github.com/Blockeeer/ai-hair-simulation/internal/quota"
	"github.com/Blockeeer/ai-hair-simulation/internal/service"
)

const maxPhotoBytes = 10 << 20

var errNotImage = errors.New("not an image")

// stylePresets are offered as buttons after a photo without a caption.
var stylePresets = []string{"bob", "pixie cut", "long waves", "buzz cut", "curly shag", "french bob"}

const styleCallbackPrefix = "style:"

type Bot struct {
	api        *tgbotapi.BotAPI
	log        *slog.Logger
	users      *service.UserService
	generation *service.GenerationService
	promo      *service.PromoService
	payments   *service.PaymentService
	state      *StateManager
	httpClient *http.Client
	wg         sync.WaitGroup
}

func NewBot(api *tgbotapi.BotAPI, log *slog.Logger, users *service.UserService, generation *service.GenerationService, promo *service.PromoService, payments *service.PaymentService) *Bot {
	return &Bot{
		api:        api,
		log:        log,
		users:      users,
		generation: generation,
		promo:      promo,
		payments:   payments,
		state:      NewStateManager(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	prune := time.NewTicker(5 * time.Minute)
	defer prune.Stop()

	for {
		select {
		case update := <-updates:
			switch {
			case update.Message != nil:
				b.handleMessage(ctx, update.Message)
			case update.CallbackQuery != nil:
				b.handleCallback(ctx, update.CallbackQuery)
			case update.PreCheckoutQuery != nil:
				b.handlePreCheckout(ctx, update.PreCheckoutQuery)
			}
		case <-prune.C:
			if n := b.state.Prune(); n > 0 {
				b.log.Debug("telegram sessions pruned", "removed", n)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.SuccessfulPayment != nil {
		b.handleSuccessfulPayment(ctx, msg)
		return
	}

	if len(msg.Photo) > 0 || msg.Document != nil {
		b.handlePhoto(ctx, msg)
		return
	}

	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	session := b.state.Get(msg.Chat.ID)
	if session.State != StateAwaitingStyle {
		b.sendText(msg.Chat.ID, "Send me a selfie to try a new hairstyle.")
		return
	}
	params, ok := parseStyle(msg.Text)
	if !ok {
		b.sendText(msg.Chat.ID, "Describe the style, for example: bob, blonde, female")
		return
	}
	b.startGeneration(ctx, msg, session, params)
}

func (b *Bot) handlePhoto(ctx context.Context, msg *tgbotapi.Message) {
	data, contentType, err := b.downloadPhoto(ctx, msg)
	if err != nil {
		if errors.Is(err, errNotImage) {
			b.sendText(msg.Chat.ID, "That is not an image. Please send a photo.")
			return
		}
		b.log.Error("photo download failed", "err", err)
		b.sendText(msg.Chat.ID, "Could not read the photo, please try again.")
		return
	}

	session := &Session{State: StateAwaitingStyle, Photo: data, ContentType: contentType}
	if params, ok := parseStyle(msg.Caption); ok {
		b.startGeneration(ctx, msg, session, params)
		return
	}
	b.state.Set(msg.Chat.ID, session)
	b.promptStyleSelection(msg.Chat.ID)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user", "err", err)
			return
		}
		text := fmt.Sprintf(
			"Hi, %s!\n\nSend a selfie, optionally with a caption like \"bob, blonde, female\", and I will show you the new look.\n\nYou get %d free generations a day. After that each generation costs one credit.\n\nCommands:\n/balance - free generations and credits\n/queue - current wait time\n/buy - buy credits\n/promo <code> - redeem a promo code\n/cancel - forget the last photo",
			user.FirstName, user.Quota.FreeDailyLimit,
		)
		b.sendText(msg.Chat.ID, text)
	case "balance":
		b.handleBalance(ctx, msg)
	case "queue":
		snap := b.generation.QueueStatus()
		b.sendText(msg.Chat.ID, fmt.Sprintf("Jobs in progress: %d\nEstimated wait: %s",
			snap.ActiveJobs, formatWait(snap.EstimatedWaitForNext)))
	case "promo":
		b.handlePromo(ctx, msg)
	case "buy":
		user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
		if err != nil {
			b.log.Error("ensure user buy", "err", err)
			return
		}
		if err := b.payments.SendInvoice(ctx, b.api, user, msg.Chat.ID); err != nil {
			if errors.Is(err, service.ErrPaymentsDisabled) {
				b.sendText(msg.Chat.ID, "Payments are not available in the bot yet.")
				return
			}
			b.log.Error("send invoice", "err", err)
			b.sendText(msg.Chat.ID, "Could not create an invoice. Please try later.")
		}
	case "cancel":
		b.state.Reset(msg.Chat.ID)
		b.sendText(msg.Chat.ID, "Cancelled.")
	default:
		b.sendText(msg.Chat.ID, "Unknown command. Send a photo or use /start.")
	}
}

func (b *Bot) handleBalance(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user balance", "err", err)
		return
	}
	report, err := b.generation.Report(ctx, user.ID)
	if err != nil {
		b.log.Error("quota report", "err", err)
		b.sendText(msg.Chat.ID, "Could not load your balance, please try later.")
		return
	}
	b.sendText(msg.Chat.ID, fmt.Sprintf("Free today: %d of %d left\nCredits: %d",
		report.Remaining, report.DailyLimit, report.CreditBalance))
}

func (b *Bot) handlePromo(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user promo", "err", err)
		return
	}
	code := strings.TrimSpace(msg.CommandArguments())
	if code == "" {
		b.sendText(msg.Chat.ID, "Usage: /promo CODE")
		return
	}
	res, err := b.promo.Apply(ctx, user.ID, code)
	switch {
	case err == nil:
		b.sendText(msg.Chat.ID, fmt.Sprintf("Promo code applied! +%d credits, balance %d.", res.Credits, res.CreditBalance))
	case errors.Is(err, service.ErrPromoInvalid):
		b.sendText(msg.Chat.ID, "This promo code is not valid.")
	case errors.Is(err, service.ErrPromoAlreadyRedeemed):
		b.sendText(msg.Chat.ID, "You have already used this promo code.")
	case errors.Is(err, service.ErrPromoExhausted):
		b.sendText(msg.Chat.ID, "This promo code has run out.")
	default:
		b.log.Error("apply promo", "err", err)
		b.sendText(msg.Chat.ID, "Could not apply the promo code, please try later.")
	}
}

func (b *Bot) handleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user payment", "err", err)
		return
	}
	res, err := b.payments.HandleSuccessfulPayment(ctx, user, msg.SuccessfulPayment)
	if err != nil {
		b.log.Error("process successful payment", "err", err)
		b.sendText(msg.Chat.ID, "Payment received, but crediting failed. Support has been notified.")
		return
	}
	if res.Granted {
		b.sendText(msg.Chat.ID, fmt.Sprintf("Payment received! Your balance is %d credits.", res.CreditBalance))
	}
}

func (b *Bot) promptStyleSelection(chatID int64) {
	var rows [][]tgbotapi.InlineKeyboardButton
	for i := 0; i < len(stylePresets); i += 2 {
		row := []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData(stylePresets[i], styleCallbackPrefix+stylePresets[i]),
		}
		if i+1 < len(stylePresets) {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(stylePresets[i+1], styleCallbackPrefix+stylePresets[i+1]))
		}
		rows = append(rows, row)
	}
	msg := tgbotapi.NewMessage(chatID, "Pick a style or type your own, e.g. \"bob, blonde, female\".")
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send keyboard", "err", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message == nil {
		return
	}
	style, ok := strings.CutPrefix(cb.Data, styleCallbackPrefix)
	session := b.state.Get(cb.Message.Chat.ID)
	if !ok || session.State != StateAwaitingStyle {
		if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "Send a photo first")); err != nil {
			b.log.Error("callback error", "err", err)
		}
		return
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, style)); err != nil {
		b.log.Error("callback ack", "err", err)
	}

	msg := cb.Message
	msg.From = cb.From
	b.startGeneration(ctx, msg, session, models.StyleParams{Style: style})
}

// startGeneration runs the generation in the background so one slow provider
// call does not hold up other chats.
func (b *Bot) startGeneration(ctx context.Context, msg *tgbotapi.Message, session *Session, params models.StyleParams) {
	user, _, err := b.ensureUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		b.log.Error("ensure user generate", "err", err)
		return
	}
	b.state.Reset(msg.Chat.ID)

	chatID := msg.Chat.ID
	req := service.GenerateRequest{
		UserID:      user.ID,
		Image:       session.Photo,
		ContentType: session.ContentType,
		Params:      params,
		OnQueued: func(t jobs.Ticket) {
			b.sendText(chatID, queuedMessage(t))
		},
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		res, err := b.generation.Generate(ctx, req)
		if err != nil {
			b.sendText(chatID, generationErrorMessage(err))
			if !isUserFacing(err) {
				b.log.Error("generate", "user_id", user.ID, "err", err)
			}
			return
		}
		b.deliverImage(chatID, params, res)
	}()
}

func (b *Bot) deliverImage(chatID int64, params models.StyleParams, res *service.GenerateResult) {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(res.ResultURL))
	photo.Caption = fmt.Sprintf("Style: %s", describeStyle(params))
	if res.Source == models.FundingCredit {
		photo.Caption += "\nPaid with 1 credit"
	}
	if _, err := b.api.Send(photo); err != nil {
		b.log.Error("send image", "err", err)
	}
}

func (b *Bot) downloadPhoto(ctx context.Context, msg *tgbotapi.Message) ([]byte, string, error) {
	var fileID string
	switch {
	case len(msg.Photo) > 0:
		fileID = msg.Photo[len(msg.Photo)-1].FileID
	case msg.Document != nil:
		if mt := strings.ToLower(msg.Document.MimeType); mt != "" && !strings.HasPrefix(mt, "image/") {
			return nil, "", errNotImage
		}
		fileID = msg.Document.FileID
	}

	file, err := b.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get file: %w", err)
	}
	if file.FilePath == "" {
		return nil, "", fmt.Errorf("file path empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(b.api.Token), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read file body: %w", err)
	}
	ct, err := normalizeImageContentType(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, "", err
	}
	return body, ct, nil
}

func (b *Bot) handlePreCheckout(ctx context.Context, query *tgbotapi.PreCheckoutQuery) {
	var payer *models.User
	if query.From != nil {
		user, _, err := b.ensureUser(ctx, query.From, query.From.ID)
		if err != nil {
			b.log.Error("pre-checkout user lookup failed", "err", err)
		} else {
			payer = user
		}
	}
	if err := b.payments.HandlePreCheckout(ctx, b.api, payer, query); err != nil {
		b.log.Error("pre-checkout failed", "err", err)
	}
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User, chatID int64) (*models.User, bool, error) {
	telegramID := chatID
	var username, firstName, lastName string
	if from != nil {
		telegramID = from.ID
		username = from.UserName
		firstName = from.FirstName
		lastName = from.LastName
	}
	return b.users.Ensure(ctx, telegramID, username, firstName, lastName)
}

func (b *Bot) sendText(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send text", "err", err)
	}
}

// parseStyle reads "style[, color[, gender]]".
func parseStyle(text string) (models.StyleParams, bool) {
	parts := strings.Split(text, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) == 0 || parts[0] == "" {
		return models.StyleParams{}, false
	}
	p := models.StyleParams{Style: parts[0]}
	if len(parts) > 1 {
		p.Color = parts[1]
	}
	if len(parts) > 2 {
		p.Gender = parts[2]
	}
	return p, true
}

func describeStyle(p models.StyleParams) string {
	out := p.Style
	if p.Color != "" {
		out = p.Color + " " + out
	}
	return out
}

func queuedMessage(t jobs.Ticket) string {
	if t.Position <= 1 {
		return fmt.Sprintf("Working on it, about %s.", formatWait(t.EstimatedWait))
	}
	return fmt.Sprintf("You are #%d in line, about %s.", t.Position, formatWait(t.EstimatedWait))
}

func formatWait(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Round(time.Second).Seconds()))
	}
	return fmt.Sprintf("%d min", int(d.Round(time.Minute).Minutes()))
}

func isUserFacing(err error) bool {
	return errors.Is(err, quota.ErrQuotaExceeded) ||
		errors.Is(err, service.ErrInvalidInput) ||
		errors.Is(err, service.ErrProviderRejected)
}

func generationErrorMessage(err error) string {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		return fmt.Sprintf("You have used today's free generations and have %d credits. Use /buy for more or come back tomorrow.", exceeded.CreditBalance)
	case errors.Is(err, service.ErrInvalidInput):
		return "The photo could not be used. Please send a clear selfie under 10 MB."
	case errors.Is(err, service.ErrProviderRejected):
		return "The AI could not process this photo. Try another one. You were not charged."
	case errors.Is(err, service.ErrProviderTimeout):
		return "The AI took too long. Please try again. You were not charged."
	default:
		return "The AI service is unavailable right now. Please try again later. You were not charged."
	}
}

func normalizeImageContentType(headerCT string, data []byte) (string, error) {
	ct := strings.ToLower(strings.TrimSpace(headerCT))
	if idx := strings.Index(ct, ";"); idx > 0 {
		ct = ct[:idx]
	}
	if ct == "" || ct == "application/octet-stream" || !strings.HasPrefix(ct, "image/") {
		if len(data) > 0 {
			ct = http.DetectContentType(data)
			if idx := strings.Index(ct, ";"); idx > 0 {
				ct = ct[:idx]
			}
		}
	}

	switch ct {
	case "image/jpeg", "image/jpg":
		return "image/jpeg", nil
	case "image/png":
		return "image/png", nil
	case "image/webp":
		return "image/webp", nil
	default:
		return "", errNotImage
	}
}
