package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"trade-assistant/internal/core"
	"trade-assistant/internal/engine"
)

// Coordinator is the engine surface the gateway drives.
type Coordinator interface {
	SubmitIntent(ctx context.Context, intent core.OrderIntent) (core.OrderRecord, error)
	Cancel(ctx context.Context, key string) (core.OrderRecord, error)
	Status(ctx context.Context) (engine.StatusReport, error)
	Balances(ctx context.Context) ([]core.Balance, error)
}

// Replier sends a text reply back to a chat.
type Replier interface {
	SendTo(ctx context.Context, chatID, msg string) error
}

type Options struct {
	BotToken      string
	AllowedChatID string
	APIBaseURL    string
	PollTimeout   time.Duration
	HTTPTimeout   time.Duration
}

// Gateway long-polls Telegram for operator commands and drives the
// coordinator. Each update id is handled at most once; the id also serves
// as the idempotency key for the order it produces, so a re-delivered
// command cannot place a second order.
type Gateway struct {
	opts    Options
	coord   Coordinator
	replier Replier
	client  *http.Client

	offset int64
	seen   map[int64]bool
	order  []int64
}

const seenLimit = 512

func New(opts Options, coord Coordinator, replier Replier) (*Gateway, error) {
	if opts.BotToken == "" {
		return nil, errors.New("bot token required")
	}
	if opts.AllowedChatID == "" {
		return nil, errors.New("allowed chat id required")
	}
	if coord == nil {
		return nil, errors.New("coordinator required")
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30 * time.Second
	}
	httpTimeout := opts.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = opts.PollTimeout + 10*time.Second
	}
	return &Gateway{
		opts:    opts,
		coord:   coord,
		replier: replier,
		client:  &http.Client{Timeout: httpTimeout},
		seen:    make(map[int64]bool, seenLimit),
	}, nil
}

// Run polls until ctx is done. Poll failures back off and retry; the
// gateway never crashes the process.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		updates, err := g.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("level=WARN event=telegram_poll_failed err=%q backoff=%s", err, backoff)
			if serr := sleepCtx(ctx, backoff); serr != nil {
				return serr
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		for _, update := range updates {
			g.handleUpdate(ctx, update)
		}
	}
}

type telegramUpdate struct {
	UpdateID int64            `json:"update_id"`
	Message  *telegramMessage `json:"message"`
}

type telegramMessage struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
	Date int64  `json:"date"`
}

type getUpdatesResponse struct {
	OK          bool             `json:"ok"`
	Description string           `json:"description"`
	Result      []telegramUpdate `json:"result"`
}

func (g *Gateway) getUpdates(ctx context.Context) ([]telegramUpdate, error) {
	params := url.Values{}
	params.Set("timeout", strconv.FormatInt(int64(g.opts.PollTimeout/time.Second), 10))
	params.Set("allowed_updates", `["message"]`)
	if g.offset > 0 {
		params.Set("offset", strconv.FormatInt(g.offset, 10))
	}
	endpoint := strings.TrimRight(g.opts.APIBaseURL, "/") + "/bot" + g.opts.BotToken + "/getUpdates?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed getUpdatesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if !parsed.OK {
		return nil, fmt.Errorf("telegram api error: %s", parsed.Description)
	}
	return parsed.Result, nil
}

func (g *Gateway) handleUpdate(ctx context.Context, update telegramUpdate) {
	if update.UpdateID >= g.offset {
		g.offset = update.UpdateID + 1
	}
	if g.markSeen(update.UpdateID) {
		return
	}
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	if chatID != g.opts.AllowedChatID {
		log.Printf("level=WARN event=telegram_unauthorized chat_id=%s update_id=%d", chatID, update.UpdateID)
		return
	}

	reply := g.execute(ctx, update)
	if reply == "" || g.replier == nil {
		return
	}
	if err := g.replier.SendTo(ctx, chatID, reply); err != nil {
		log.Printf("level=WARN event=telegram_reply_failed update_id=%d err=%q", update.UpdateID, err)
	}
}

// markSeen records the id and reports whether it was already handled.
func (g *Gateway) markSeen(id int64) bool {
	if g.seen[id] {
		return true
	}
	g.seen[id] = true
	g.order = append(g.order, id)
	if len(g.order) > seenLimit {
		delete(g.seen, g.order[0])
		g.order = g.order[1:]
	}
	return false
}

func (g *Gateway) execute(ctx context.Context, update telegramUpdate) string {
	cmd, err := ParseCommand(update.Message.Text)
	if err != nil {
		if errors.Is(err, ErrUnknownCommand) {
			return "unknown command, try /help"
		}
		return err.Error()
	}
	switch cmd.Kind {
	case CmdHelp:
		return helpText
	case CmdStatus:
		report, err := g.coord.Status(ctx)
		if err != nil {
			return "status failed: " + err.Error()
		}
		if cmd.Key != "" {
			return formatOrderStatus(report, cmd.Key)
		}
		return formatStatus(report)
	case CmdBalance:
		balances, err := g.coord.Balances(ctx)
		if err != nil {
			return "balance query failed: " + describeError(err)
		}
		return formatBalances(balances)
	case CmdCancel:
		record, err := g.coord.Cancel(ctx, cmd.Key)
		if err != nil {
			return "cancel failed: " + describeError(err)
		}
		return fmt.Sprintf("cancel requested for %s (%s %s %s @ %s)",
			record.Key, record.Symbol, record.Side, record.Qty, record.Price)
	case CmdBuy, CmdSell:
		intent := core.OrderIntent{
			Key:           commandKey(update.UpdateID),
			CorrelationID: strconv.FormatInt(update.UpdateID, 10),
			Symbol:        cmd.Symbol,
			Side:          cmd.Side(),
			Type:          cmd.OrderType(),
			Price:         cmd.Price,
			Qty:           cmd.Qty,
			CreatedAt:     time.Unix(update.Message.Date, 0),
		}
		record, err := g.coord.SubmitIntent(ctx, intent)
		if err != nil {
			if errors.Is(err, core.ErrDuplicateOrder) {
				return fmt.Sprintf("already handled as %s (%s)", record.Key, record.Status)
			}
			return "order rejected: " + describeError(err)
		}
		return fmt.Sprintf("accepted %s: %s %s %s %s, key %s",
			record.Symbol, strings.ToLower(string(record.Side)), record.Qty,
			strings.ToLower(string(record.Type)), priceLabel(record), record.Key)
	default:
		return "unknown command, try /help"
	}
}

// commandKey derives the order idempotency key from the update id.
// Telegram re-deliveries carry the same id, so retried commands map to
// the same order.
func commandKey(updateID int64) string {
	return "tg-" + strconv.FormatInt(updateID, 10)
}

func priceLabel(record core.OrderRecord) string {
	if record.Type == core.Market {
		return "at market"
	}
	return "@ " + record.Price.String()
}

func describeError(err error) string {
	switch {
	case errors.Is(err, core.ErrStaleMarketData):
		return "market data is stale, not trading blind"
	case errors.Is(err, core.ErrPriceOutOfBand):
		return "price too far from market"
	case errors.Is(err, core.ErrBelowMinNotional):
		return "order value below exchange minimum"
	case errors.Is(err, core.ErrBelowMinQty):
		return "quantity below exchange minimum"
	case errors.Is(err, core.ErrUnknownSymbol):
		return "symbol not tracked by this instance"
	case errors.Is(err, core.ErrOrderNotFound):
		return "no order under that key"
	case errors.Is(err, core.ErrAlreadyTerminal):
		return "order already finished"
	case errors.Is(err, core.ErrRateLimited):
		return "exchange rate limit, try again shortly"
	default:
		return err.Error()
	}
}

func formatBalances(balances []core.Balance) string {
	if len(balances) == 0 {
		return "no balances"
	}
	var b strings.Builder
	b.WriteString("balances:")
	for _, bal := range balances {
		fmt.Fprintf(&b, "\n  %s free=%s locked=%s", bal.Asset, bal.Free, bal.Locked)
	}
	return b.String()
}

func formatOrderStatus(report engine.StatusReport, key string) string {
	for _, rec := range report.Orders {
		if rec.Key != key {
			continue
		}
		return fmt.Sprintf("%s: %s %s %s %s %s filled=%s avg=%s [%s]",
			rec.Key, rec.Symbol, rec.Side, rec.Type, rec.Qty, priceLabel(rec),
			rec.FilledQty, rec.AvgFillPrice, rec.Status)
	}
	return "no order under key " + key
}

func formatStatus(report engine.StatusReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%s up since %s\n", report.Mode, report.InstanceID, report.StartedAt.Format(time.RFC3339))

	symbols := make([]string, 0, len(report.Markets))
	for s := range report.Markets {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		snap := report.Markets[s]
		state := "fresh"
		if snap.Stale {
			state = "STALE"
		}
		fmt.Fprintf(&b, "%s bid=%s ask=%s (%s)\n", s, snap.BestBid, snap.BestAsk, state)
	}

	open := 0
	for _, rec := range report.Orders {
		if !rec.Terminal() {
			open++
		}
	}
	fmt.Fprintf(&b, "orders: %d open / %d total", open, len(report.Orders))
	for _, rec := range report.Orders {
		if rec.Terminal() {
			continue
		}
		fmt.Fprintf(&b, "\n  %s %s %s %s @ %s filled=%s [%s]",
			rec.Key, rec.Symbol, rec.Side, rec.Qty, rec.Price, rec.FilledQty, rec.Status)
	}
	return b.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
