package handlers

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"podsearch/internal/models"
)

const (
	botSearchResults = 5
	botEpisodeCount  = 10
	botTimeout       = 30 * time.Second
	botTextLimit     = 200
)

// StartTelegramBot answers /search and /episodes until ctx is cancelled.
func (h *Handlers) StartTelegramBot(ctx context.Context, token string) error {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}
	logger := h.logger.With("bot", bot.Self.UserName)
	logger.Info("Authorized on Telegram")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			reply := h.handleCommand(ctx, update.Message.Command(), update.Message.CommandArguments())
			msg := tgbotapi.NewMessage(update.Message.Chat.ID, reply)
			msg.ParseMode = tgbotapi.ModeHTML
			msg.DisableWebPagePreview = true
			if _, err := bot.Send(msg); err != nil {
				logger.Error("Failed to send reply", "err", err)
			}
		}
	}
}

func (h *Handlers) handleCommand(ctx context.Context, command, args string) string {
	ctx, cancel := context.WithTimeout(ctx, botTimeout)
	defer cancel()

	switch command {
	case "search":
		return h.botSearch(ctx, args)
	case "episodes":
		return h.botEpisodes(ctx)
	case "start", "help":
		return "Send /search &lt;words&gt; to search transcripts or /episodes to list the latest uploads."
	default:
		return "I don't know that command"
	}
}

func (h *Handlers) botSearch(ctx context.Context, query string) string {
	query = strings.TrimSpace(query)
	if query == "" {
		return "Usage: /search &lt;words&gt;"
	}
	results, err := h.searcher.Search(ctx, query, botSearchResults)
	if err != nil {
		h.logger.Error("Bot search failed", "err", err)
		return "Search failed, please try again later."
	}
	if len(results) == 0 {
		return "Nothing found."
	}

	names := make(map[string]string)
	var b strings.Builder
	for i, res := range results {
		name, ok := names[res.Payload.EpisodeID]
		if !ok {
			name = res.Payload.EpisodeID
			if ep, err := h.store.GetEpisode(ctx, res.Payload.EpisodeID); err == nil {
				name = ep.Name
			}
			names[res.Payload.EpisodeID] = name
		}
		fmt.Fprintf(&b, "%d. <b>%s</b> at %s\n%s\n\n", i+1, html.EscapeString(name), clock(res.Payload.Start), html.EscapeString(truncate(res.Payload.Text)))
	}
	return strings.TrimSpace(b.String())
}

func (h *Handlers) botEpisodes(ctx context.Context) string {
	episodes, err := h.store.ListEpisodes(ctx, botEpisodeCount, 0)
	if err != nil {
		h.logger.Error("Bot episode list failed", "err", err)
		return "Internal server error"
	}
	if len(episodes) == 0 {
		return "No episodes yet."
	}

	var b strings.Builder
	for _, e := range episodes {
		fmt.Fprintf(&b, "<b>%s</b> (%s): %s\n", html.EscapeString(e.Name), episodeLength(e), h.mediaURL(e))
	}
	return strings.TrimSpace(b.String())
}

// clock formats milliseconds as h:mm:ss or m:ss.
func clock(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func episodeLength(e models.Episode) string {
	if e.LengthMs == nil {
		return "length unknown"
	}
	return clock(*e.LengthMs)
}

func truncate(s string) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= botTextLimit {
		return string(r)
	}
	return string(r[:botTextLimit]) + "..."
}
