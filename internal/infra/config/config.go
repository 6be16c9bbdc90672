// Пакет config отвечает за сбор и предоставление конфигурации пайплайна.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. разбирает перечисление аккаунтов (user-клиенты и фетчер-боты),
//  4. предоставляет результат через singleton с накопленными предупреждениями.
//
// Бизнес-контекст: конфигурация описывает учётные записи Telegram, через
// которые ведётся наблюдение, порог вступления в группы, окно «онлайна»,
// подключение к Redis/MySQL, эндпоинты OCR-сервиса и blob-хранилища.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AccountConfig описывает один user-аккаунт Telegram: имя файла сессии,
// телефон для логина, известный uid и отображаемое имя для логов/уведомлений.
type AccountConfig struct {
	SessionName string
	Phone       string
	UID         int64
	DisplayName string
}

// EnvConfig описывает параметры, приходящие из окружения (.env).
// Значения проходят минимальную валидацию и нормализацию в loadConfig;
// в рантайме предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID   int
	APIHash string

	// Аккаунты и учётные данные Telegram.
	Accounts       []AccountConfig
	InvokerSession string
	SessionDir     string
	StateDir       string
	ThrottleRPS    int
	TestDC         bool

	// Администрирование.
	AdminChannelID int64
	AdminUIDs      []int64
	AdminBotToken  string
	AdminUnsafe    bool

	// Фетчер-боты для проб публичных групп.
	BotTokens []string

	// Хранилища и внешние сервисы.
	RedisURL   string
	MySQLDSN   string
	OCRURL     string
	MetricsURL string

	// Blob-хранилище (B2-совместимый API).
	BlobKeyID     string
	BlobKeySecret string
	BlobBucketID  string

	// Политика вступления и наблюдения.
	GroupMemberJoinLimit int
	GroupBlacklist       []string
	OnlineHour           int
	OfflineHour          int

	// Webhook-сервер.
	WebhookListen  string
	WebhookBaseURL string

	// Логирование.
	LogLevel          string
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды и предупреждения, накопленные при чтении.
type Config struct {
	Env      EnvConfig
	warnings []string
}

// Значения по умолчанию для необязательных параметров окружения.
const (
	defaultSessionDir       = "data/sessions"
	defaultStateDir         = "data/state"
	defaultThrottleRPS      = 1
	defaultJoinLimit        = 100
	defaultOnlineHour       = 8
	defaultOfflineHour      = 23
	defaultWebhookListen    = "127.0.0.1:8080"
	defaultLogLevel         = "info"
	defaultLogFileLevel     = "debug"
	defaultLogFileMaxSize   = 50
	defaultLogFileBackups   = 3
	defaultLogFileMaxAge    = 7
	defaultLogFileCompress  = true
	accountFieldsPerEntry   = 4
	minUsableFetcherBots    = 3 // контрактный минимум ботов, см. discover
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации.
// Повторный вызов запрещён, чтобы избежать гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	accounts, err := parseAccounts(os.Getenv("CLIENT_ACCOUNTS"))
	if err != nil {
		return nil, err
	}
	invoker := strings.TrimSpace(os.Getenv("INVOKER_SESSION"))
	if invoker == "" {
		return nil, errors.New("env INVOKER_SESSION must be set")
	}
	if !hasSession(accounts, invoker) {
		return nil, fmt.Errorf("INVOKER_SESSION %q is not listed in CLIENT_ACCOUNTS", invoker)
	}

	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if redisURL == "" {
		return nil, errors.New("env REDIS_URL must be set")
	}
	mysqlDSN := strings.TrimSpace(os.Getenv("MYSQL_DSN"))
	if mysqlDSN == "" {
		return nil, errors.New("env MYSQL_DSN must be set")
	}

	adminChannel, err := parseRequiredInt64("ADMIN_CHANNEL_ID")
	if err != nil {
		return nil, err
	}
	adminBotToken := strings.TrimSpace(os.Getenv("ADMIN_BOT_TOKEN"))
	if adminBotToken == "" {
		return nil, errors.New("env ADMIN_BOT_TOKEN must be set")
	}

	var warnings []string

	env := EnvConfig{
		APIID:   apiID,
		APIHash: apiHash,

		Accounts:       accounts,
		InvokerSession: invoker,
		SessionDir:     sanitizeValue("SESSION_DIR", os.Getenv("SESSION_DIR"), defaultSessionDir, &warnings),
		StateDir:       sanitizeValue("STATE_DIR", os.Getenv("STATE_DIR"), defaultStateDir, &warnings),
		ThrottleRPS:    parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),
		TestDC:         strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true"),

		AdminChannelID: adminChannel,
		AdminUIDs:      parseInt64List("ADMIN_UIDS", os.Getenv("ADMIN_UIDS"), &warnings),
		AdminBotToken:  adminBotToken,
		AdminUnsafe:    parseBoolDefault("ADMIN_UNSAFE", false, &warnings),

		BotTokens: splitTrimmed(os.Getenv("BOT_TOKENS")),

		RedisURL:   redisURL,
		MySQLDSN:   mysqlDSN,
		OCRURL:     strings.TrimSpace(os.Getenv("OCR_URL")),
		MetricsURL: strings.TrimSpace(os.Getenv("METRICS_URL")),

		BlobKeyID:     strings.TrimSpace(os.Getenv("BLOB_KEY_ID")),
		BlobKeySecret: strings.TrimSpace(os.Getenv("BLOB_KEY_SECRET")),
		BlobBucketID:  strings.TrimSpace(os.Getenv("BLOB_BUCKET_ID")),

		GroupMemberJoinLimit: parseIntDefault("GROUP_MEMBER_JOIN_LIMIT", defaultJoinLimit, greaterThanZero, &warnings),
		GroupBlacklist:       splitTrimmed(os.Getenv("GROUP_BLACKLIST")),
		OnlineHour:           parseIntDefault("ONLINE_HOUR", defaultOnlineHour, validHour, &warnings),
		OfflineHour:          parseIntDefault("OFFLINE_HOUR", defaultOfflineHour, validHour, &warnings),

		WebhookListen:  sanitizeValue("WEBHOOK_LISTEN", os.Getenv("WEBHOOK_LISTEN"), defaultWebhookListen, &warnings),
		WebhookBaseURL: strings.TrimSpace(os.Getenv("WEBHOOK_BASE_URL")),

		LogLevel:          sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings),
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),
	}

	if len(env.BotTokens) < minUsableFetcherBots {
		appendWarningf(&warnings,
			"env BOT_TOKENS lists %d bots; public-group probing requires at least %d usable bots",
			len(env.BotTokens), minUsableFetcherBots)
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения загрузки .env. Возвращается копия.
func Warnings() []string {
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseAccounts разбирает CLIENT_ACCOUNTS: записи через запятую, поля через
// двоеточие — session:phone:uid:display_name (display_name необязателен).
func parseAccounts(value string) ([]AccountConfig, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return nil, errors.New("env CLIENT_ACCOUNTS must be set")
	}

	entries := strings.Split(raw, ",")
	accounts := make([]AccountConfig, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.SplitN(entry, ":", accountFieldsPerEntry)
		if len(fields) < 3 {
			return nil, fmt.Errorf("CLIENT_ACCOUNTS entry %q: want session:phone:uid[:name]", entry)
		}
		uid, err := strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("CLIENT_ACCOUNTS entry %q: invalid uid: %w", entry, err)
		}
		acc := AccountConfig{
			SessionName: strings.TrimSpace(fields[0]),
			Phone:       strings.TrimSpace(fields[1]),
			UID:         uid,
		}
		if len(fields) == accountFieldsPerEntry {
			acc.DisplayName = strings.TrimSpace(fields[3])
		}
		if acc.DisplayName == "" {
			acc.DisplayName = acc.SessionName
		}
		if acc.SessionName == "" || acc.Phone == "" {
			return nil, fmt.Errorf("CLIENT_ACCOUNTS entry %q: session and phone must not be empty", entry)
		}
		accounts = append(accounts, acc)
	}
	if len(accounts) == 0 {
		return nil, errors.New("CLIENT_ACCOUNTS produced no accounts")
	}
	return accounts, nil
}

func hasSession(accounts []AccountConfig, session string) bool {
	for _, a := range accounts {
		if a.SessionName == session {
			return true
		}
	}
	return false
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseRequiredInt64 — как parseRequiredInt, но для идентификаторов чатов.
func parseRequiredInt64(name string) (int64, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// validator — возвращает defaultVal и пишет предупреждение, не роняя процесс.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool с дефолтом и предупреждением.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// parseInt64List разбирает CSV-список int64; некорректные элементы отбрасываются
// с предупреждением.
func parseInt64List(name, value string, warnings *[]string) []int64 {
	parts := splitTrimmed(value)
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			appendWarningf(warnings, "env %s entry %q is not a valid integer; skipped", name, p)
			continue
		}
		result = append(result, v)
	}
	return result
}

// splitTrimmed разбивает CSV-строку и отбрасывает пустые элементы.
func splitTrimmed(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// sanitizeValue возвращает значение или fallback с предупреждением.
func sanitizeValue(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// sanitizeLogLevel нормализует уровень логирования и ограничивает значения
// набором {debug, info, warn, error}.
func sanitizeLogLevel(level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// appendWarningf накапливает предупреждения о некорректных переменных окружения.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
func validHour(v int) bool       { return v >= 1 && v <= 22 }
