package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"trade-assistant/internal/core"
)

var ErrUnknownCommand = errors.New("unknown command")

type CommandKind string

const (
	CmdBuy     CommandKind = "buy"
	CmdSell    CommandKind = "sell"
	CmdCancel  CommandKind = "cancel"
	CmdStatus  CommandKind = "status"
	CmdBalance CommandKind = "balance"
	CmdHelp    CommandKind = "help"
)

// Command is one parsed operator instruction.
type Command struct {
	Kind   CommandKind
	Symbol string
	Qty    decimal.Decimal
	// Price is zero for market orders.
	Price decimal.Decimal
	Key   string
}

const helpText = `commands:
/buy SYMBOL QTY [PRICE]   limit buy, market when PRICE omitted
/sell SYMBOL QTY [PRICE]  limit sell, market when PRICE omitted
/cancel KEY               cancel the order registered under KEY
/status [KEY]             orders and market snapshot, or one order
/balance                  non-zero account balances
/help                     this text`

// ParseCommand turns a chat message into a Command. The bot-mention
// suffix Telegram appends in groups ("/buy@MyBot") is stripped.
func ParseCommand(text string) (Command, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, text)
	}
	name := strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	name = strings.ToLower(name)
	args := fields[1:]

	switch name {
	case "buy", "sell":
		return parseTradeCommand(CommandKind(name), args)
	case "cancel":
		if len(args) != 1 {
			return Command{}, fmt.Errorf("usage: /cancel KEY")
		}
		return Command{Kind: CmdCancel, Key: args[0]}, nil
	case "status":
		switch len(args) {
		case 0:
			return Command{Kind: CmdStatus}, nil
		case 1:
			return Command{Kind: CmdStatus, Key: args[0]}, nil
		default:
			return Command{}, fmt.Errorf("usage: /status [KEY]")
		}
	case "balance":
		return Command{Kind: CmdBalance}, nil
	case "help", "start":
		return Command{Kind: CmdHelp}, nil
	default:
		return Command{}, fmt.Errorf("%w: /%s", ErrUnknownCommand, name)
	}
}

func parseTradeCommand(kind CommandKind, args []string) (Command, error) {
	if len(args) < 2 || len(args) > 3 {
		return Command{}, fmt.Errorf("usage: /%s SYMBOL QTY [PRICE]", kind)
	}
	cmd := Command{Kind: kind, Symbol: strings.ToUpper(args[0])}
	qty, err := decimal.NewFromString(args[1])
	if err != nil || !qty.IsPositive() {
		return Command{}, fmt.Errorf("invalid quantity %q", args[1])
	}
	cmd.Qty = qty
	if len(args) == 3 {
		price, err := decimal.NewFromString(args[2])
		if err != nil || !price.IsPositive() {
			return Command{}, fmt.Errorf("invalid price %q", args[2])
		}
		cmd.Price = price
	}
	return cmd, nil
}

// Side maps buy/sell commands to the order side.
func (c Command) Side() core.Side {
	if c.Kind == CmdSell {
		return core.Sell
	}
	return core.Buy
}

// OrderType is limit when a price was given, market otherwise.
func (c Command) OrderType() core.OrderType {
	if c.Price.IsPositive() {
		return core.Limit
	}
	return core.Market
}
