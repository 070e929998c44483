// Package control accepts remote textual commands over the Telegram Bot
// API and emits human-readable status and alerts. Commands from senders
// outside the allow-list are rejected. The client only produces into the
// command queue; all mutation happens on the control loop.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Command is one accepted inbound command.
type Command struct {
	Name   string
	ChatID int64
}

// Recognized command names.
const (
	CmdStart     = "start"
	CmdStop      = "stop"
	CmdRebalance = "rebalance"
	CmdReset     = "reset"
	CmdStatus    = "status"
	CmdHelp      = "help"
)

const helpText = `Commands:
/start - enable automated position management
/stop - suspend automation (monitoring continues)
/rebalance - force a full rebalance at the current price
/reset - close all positions and clear state
/status - current status
/help - this message`

// Client long-polls the Bot API and sends outbound messages.
type Client struct {
	httpClient *http.Client
	baseURL    string
	allowed    map[int64]bool
	logger     *zap.Logger

	offset int64
}

// NewClient builds a Client. allowedChatIDs is the sender allow-list.
func NewClient(token string, allowedChatIDs []int64, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[int64]bool, len(allowedChatIDs))
	for _, id := range allowedChatIDs {
		allowed[id] = true
	}
	return &Client{
		httpClient: &http.Client{Timeout: 40 * time.Second},
		baseURL:    "https://api.telegram.org/bot" + token,
		allowed:    allowed,
		logger:     logger,
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type updatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

// Run long-polls for updates and produces accepted commands into the
// queue until the context is cancelled.
func (c *Client) Run(ctx context.Context, commands chan<- Command) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("telegram poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, upd := range updates {
			if upd.UpdateID >= c.offset {
				c.offset = upd.UpdateID + 1
			}
			if upd.Message == nil {
				continue
			}
			chatID := upd.Message.Chat.ID
			name, ok := parseCommand(upd.Message.Text)
			if !ok {
				continue
			}
			if !c.allowed[chatID] {
				c.logger.Warn("command from unrecognized sender rejected", zap.Int64("chat_id", chatID))
				_ = c.SendTo(ctx, chatID, "access denied")
				continue
			}
			if name == CmdHelp {
				_ = c.SendTo(ctx, chatID, helpText)
				continue
			}
			select {
			case commands <- Command{Name: name, ChatID: chatID}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) getUpdates(ctx context.Context) ([]update, error) {
	params := url.Values{}
	params.Set("timeout", "30")
	params.Set("allowed_updates", `["message"]`)
	if c.offset > 0 {
		params.Set("offset", strconv.FormatInt(c.offset, 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("getUpdates status %d", resp.StatusCode)
	}

	var parsed updatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("getUpdates not ok")
	}
	return parsed.Result, nil
}

// SendTo sends a message to one chat.
func (c *Client) SendTo(ctx context.Context, chatID int64, text string) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(chatID, 10))
	params.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sendMessage",
		strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sendMessage status %d", resp.StatusCode)
	}
	return nil
}

// Broadcast sends a message to every allowed chat.
func (c *Client) Broadcast(ctx context.Context, text string) error {
	var firstErr error
	for chatID := range c.allowed {
		if err := c.SendTo(ctx, chatID, text); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func parseCommand(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	switch name {
	case CmdStart, CmdStop, CmdRebalance, CmdReset, CmdStatus, CmdHelp:
		return name, true
	default:
		return "", false
	}
}
