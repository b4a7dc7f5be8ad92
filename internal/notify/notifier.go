// Package notify posts pool events to Discord and Telegram.
package notify

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/bytedance/sonic"

	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/ledger"
	"github.com/tos-network/stratum-pool/internal/util"
)

// Retry configuration
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Embed colors
const (
	colorFound  = 0x00FF00
	colorStale  = 0xFF0000
	colorPayout = 0x0099FF
)

const coin = 1e8

type discordSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier handles sending notifications
type Notifier struct {
	cfg      config.NotifyConfig
	poolName string
	client   *http.Client
	discord  discordSender

	retryDelay time.Duration
	wg         sync.WaitGroup
}

// NewNotifier creates a notifier. Discord is used when a bot token and
// channel are configured; Telegram when a bot token and chat are.
func NewNotifier(cfg config.NotifyConfig, poolName string) (*Notifier, error) {
	n := &Notifier{
		cfg:        cfg,
		poolName:   poolName,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: RetryBaseDelay,
	}
	if cfg.TelegramAPI == "" {
		n.cfg.TelegramAPI = "https://api.telegram.org"
	}

	if cfg.Enabled && cfg.DiscordToken != "" && cfg.DiscordChannel != "" {
		dg, err := discordgo.New("Bot " + cfg.DiscordToken)
		if err != nil {
			return nil, fmt.Errorf("discord session: %w", err)
		}
		n.discord = dg
	}
	return n, nil
}

func (n *Notifier) telegramEnabled() bool {
	return n.cfg.TelegramBot != "" && n.cfg.TelegramChat != ""
}

// Wait blocks until queued notifications are sent or given up
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// NotifyBlockFound announces a block accepted by the node
func (n *Notifier) NotifyBlockFound(sh *ledger.Share) {
	if n == nil {
		return
	}
	n.post(message{
		title: "Block Found!",
		desc:  fmt.Sprintf("**%s** found a new block!", n.poolName),
		color: colorFound,
		fields: []field{
			{"Height", fmt.Sprintf("%d", sh.Height), true},
			{"Reward", formatCoins(sh.Reward), true},
			{"Miners", fmt.Sprintf("%d", sh.Size), true},
			{"Finder", truncateAddress(sh.FounderAddress), true},
			{"Hash", truncateHash(sh.Block), false},
		},
	})
}

// NotifyStaleBlock announces a found block that left the best chain. Its
// contributions roll into the block at merged.
func (n *Notifier) NotifyStaleBlock(sh *ledger.Share, merged uint32) {
	if n == nil {
		return
	}
	n.post(message{
		title: "Block Stale",
		desc:  fmt.Sprintf("**%s** block is no longer on the best chain", n.poolName),
		color: colorStale,
		fields: []field{
			{"Height", fmt.Sprintf("%d", sh.Height), true},
			{"Merged Into", fmt.Sprintf("%d", merged), true},
			{"Hash", truncateHash(sh.Block), false},
		},
	})
}

// NotifyPayout announces a payout transaction
func (n *Notifier) NotifyPayout(p *ledger.Payout) {
	if n == nil {
		return
	}
	n.post(message{
		title: "Payments Sent",
		desc:  fmt.Sprintf("**%s** has processed payouts", n.poolName),
		color: colorPayout,
		fields: []field{
			{"Total Paid", formatCoins(p.Total), true},
			{"Miners", fmt.Sprintf("%d", p.Miner), true},
			{"Transaction", truncateHash(p.Hash), false},
		},
	})
}

type field struct {
	name   string
	value  string
	inline bool
}

type message struct {
	title  string
	desc   string
	color  int
	fields []field
}

func (n *Notifier) post(msg message) {
	if !n.cfg.Enabled {
		return
	}

	if n.discord != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.retry("Discord", func() error { return n.sendDiscord(msg) })
		}()
	}

	if n.telegramEnabled() {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.retry("Telegram", func() error { return n.sendTelegram(msg) })
		}()
	}
}

// retry calls fn with exponential backoff
func (n *Notifier) retry(name string, fn func() error) {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(n.retryDelay * time.Duration(1<<uint(attempt-1)))
		}
		if lastErr = fn(); lastErr == nil {
			return
		}
	}
	util.Warnf("Failed to send %s notification after %d retries: %v", name, MaxRetries, lastErr)
}

func (n *Notifier) sendDiscord(msg message) error {
	embed := &discordgo.MessageEmbed{
		Title:       msg.title,
		Description: msg.desc,
		URL:         n.cfg.PoolURL,
		Color:       msg.color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Footer:      &discordgo.MessageEmbedFooter{Text: n.poolName},
	}
	for _, f := range msg.fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.name, Value: f.value, Inline: f.inline})
	}

	_, err := n.discord.ChannelMessageSendEmbed(n.cfg.DiscordChannel, embed)
	return err
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func telegramText(msg message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", msg.title)
	for _, f := range msg.fields {
		fmt.Fprintf(&b, "\n%s: `%s`", f.name, f.value)
	}
	return b.String()
}

func (n *Notifier) sendTelegram(msg message) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(n.cfg.TelegramAPI, "/"), n.cfg.TelegramBot)

	body, err := sonic.Marshal(TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      telegramText(msg),
		ParseMode: "Markdown",
	})
	if err != nil {
		return err
	}

	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func formatCoins(amount uint64) string {
	return fmt.Sprintf("%.8f", float64(amount)/coin)
}

// truncateAddress returns a shortened address for display
func truncateAddress(addr string) string {
	if len(addr) <= 16 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-6:]
}

// truncateHash returns a shortened hash for display
func truncateHash(hash string) string {
	if len(hash) <= 20 {
		return hash
	}
	return hash[:10] + "..." + hash[len(hash)-8:]
}
