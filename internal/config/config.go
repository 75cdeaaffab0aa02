package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultSystemPrompt = `
You are a highly intelligent, friendly, and versatile assistant residing on Discord. Your primary goal is to help users with a wide range of tasks and queries. Whether it's answering questions, providing information, offering technical support, engaging in meaningful conversations, or just being a good companion, you excel in all areas. You are aware that you are on Discord, and you understand the platform's culture and communication style. Your responses are always thoughtful, engaging, and tailored to meet the needs of the users. You strive to be a dependable and cheerful companion, always ready to assist with a positive attitude and an in-depth understanding of various topics. Your presence makes Discord a more enjoyable and productive place for everyone.
`

// Conversation scopes.
const (
	ScopeChannel = "channel"
	ScopeGlobal  = "global"
)

type Config struct {
	Port          int
	NatsURL       string
	NatsToken     string
	DatabaseURL   string
	LogLevel      string
	APIToken      string
	EventsSubject string

	DiscordToken   string
	DiscordAPIURL  string
	ChangeNickname bool

	OllamaURL      string
	OllamaModel    string
	Temperature    float64
	RequestTimeout time.Duration

	SystemPrompt      string
	CommandPrefix     string
	ConversationScope string
	MaxLogSize        int
	MaxTextSize       int
	MaxFileSize       int64
}

func Load() Config {
	return Config{
		Port:          envInt("PARLEY_PORT", 8760),
		NatsURL:       envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:     envStr("NATS_TOKEN", ""),
		DatabaseURL:   envStr("DATABASE_URL", ""),
		LogLevel:      envStr("LOG_LEVEL", "info"),
		APIToken:      envStr("PARLEY_API_TOKEN", ""),
		EventsSubject: envStr("DISCORD_EVENTS_SUBJECT", "swarm.discord.message.created"),

		DiscordToken:   envStr("DISCORD_TOKEN", ""),
		DiscordAPIURL:  envStr("DISCORD_API_URL", "https://discord.com/api/v10"),
		ChangeNickname: envBool("CHANGE_NICKNAME", true),

		OllamaURL:      envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:    envStr("OLLAMA_MODEL", "llama3"),
		Temperature:    envFloat("OLLAMA_TEMPERATURE", 0.7),
		RequestTimeout: envSeconds("OLLAMA_TIMEOUT_SECONDS", 120*time.Second),

		SystemPrompt:      envStr("SYSTEM_PROMPT", defaultSystemPrompt),
		CommandPrefix:     envStr("COMMAND_PREFIX", "!"),
		ConversationScope: envScope("CONVERSATION_SCOPE", ScopeChannel),
		MaxLogSize:        envInt("MAX_CONVERSATION_LOG_SIZE", 50),
		MaxTextSize:       envInt("MAX_TEXT_ATTACHMENT_SIZE", 20000),
		MaxFileSize:       int64(envInt("MAX_FILE_SIZE", 2*1024*1024)),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envSeconds accepts fractional seconds, e.g. "0.5".
func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}

func envScope(key, fallback string) string {
	switch v := strings.ToLower(os.Getenv(key)); v {
	case ScopeChannel, ScopeGlobal:
		return v
	default:
		return fallback
	}
}
