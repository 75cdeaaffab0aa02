package session

import (
	"context"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MikeSquared-Agency/parley/internal/discord"
)

type GuildDirectory interface {
	Guilds(ctx context.Context) ([]discord.Guild, error)
	SetNickname(ctx context.Context, guildID, nick string) error
}

// Nickname derives the bot's display name from the model name:
// first letter upper case, the rest lower case ("llama3" → "Llama3").
func Nickname(model string) string {
	r, size := utf8.DecodeRuneInString(model)
	if r == utf8.RuneError {
		return model
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(model[size:])
}

// SyncNicknames renames the bot in every guild it belongs to. Per-guild
// failures are logged and do not stop the sweep. It returns how many
// guilds were renamed.
func SyncNicknames(ctx context.Context, dir GuildDirectory, model string, logger *slog.Logger) int {
	nick := Nickname(model)

	guilds, err := dir.Guilds(ctx)
	if err != nil {
		logger.Error("failed to list guilds", "error", err)
		return 0
	}

	renamed := 0
	for _, g := range guilds {
		if err := dir.SetNickname(ctx, g.ID, nick); err != nil {
			logger.Error("failed to change nickname", "guild", g.Name, "guild_id", g.ID, "error", err)
			continue
		}
		renamed++
		logger.Info("nickname changed", "nickname", nick, "guild", g.Name)
	}
	return renamed
}
