// Пакет config отвечает за сбор и предоставление конфигурации сервиса
// зеркалирования каналов. Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. предоставляет потокобезопасный доступ к результатам через R/W мьютекс.
//
// Бизнес-контекст: сервис держит одно MTProto-соединение (клиентская сессия,
// уже аутентифицированная снаружи) и один пул подключений к Postgres, откуда
// читает очередь задач синхронизации. Параметры окружения задают учётные
// данные Telegram API, строку подключения к БД, секрет расшифровки сессии и
// настраиваемые лимиты (FLOOD_WAIT, интервалы health-check, глубину
// бэкфилла комментариев).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID   int
	APIHash string

	DatabaseURL      string
	EncryptionSecret string

	LogLevel string
	LogFile  string

	FloodWaitMaxSec     int
	StartRetryIntervalS int

	HealthcheckEnabled      bool
	HealthcheckIntervalSec  int
	HealthcheckBatchSize    int
	HealthcheckRefreshSec   int
	SyncComments            bool
	MaxCommentsPerPost      int

	PeersDBPath       string
	UpdateStateFile   string
	MirrorTitlePrefix string
	AutoAdminIDs      []string
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для некритичных параметров окружения.
const (
	defaultLogLevel = "debug"
	defaultLogFile  = "data/mirrorsync.log"

	defaultFloodWaitMaxSec     = 3600
	defaultStartRetryIntervalS = 30

	defaultHealthcheckIntervalSec = 300
	defaultHealthcheckBatchSize   = 20
	defaultHealthcheckRefreshSec  = 21600 // 6 часов
	defaultMaxCommentsPerPost     = 200

	defaultPeersDBPath     = "data/peers.db"
	defaultUpdateStateFile = "data/update_state.json"
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации всего приложения.
// При первом вызове:
//  1. читает .env,
//  2. формирует EnvConfig,
//  3. фиксирует результат в singleton cfgInstance.
//
// Повторный вызов запрещен (возвращается ошибка), чтобы избежать гонок
// конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
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
	_ = godotenv.Load(envPath) // отсутствие .env не фатально — переменные могут быть заданы окружением

	apiID, err := parseRequiredInt("TELEGRAM_API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env TELEGRAM_API_HASH must be set")
	}

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return nil, errors.New("env DATABASE_URL must be set")
	}

	encryptionSecret := strings.TrimSpace(os.Getenv("ENCRYPTION_SECRET"))
	if encryptionSecret == "" {
		return nil, errors.New("env ENCRYPTION_SECRET must be set")
	}

	var warnings []string

	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings)
	logFile := sanitizeFile("MIRROR_LOG_FILE", os.Getenv("MIRROR_LOG_FILE"), defaultLogFile, &warnings)

	floodWaitMax := parseIntDefault("MIRROR_FLOOD_WAIT_MAX_SEC", defaultFloodWaitMaxSec, greaterThanZero, &warnings)
	startRetryInterval := parseIntDefault("MIRROR_START_RETRY_INTERVAL_SEC", defaultStartRetryIntervalS,
		greaterThanZero, &warnings)

	healthcheckEnabled := parseBoolDefault("MIRROR_CHANNEL_HEALTHCHECK", true, &warnings)
	healthcheckInterval := parseIntDefault("MIRROR_CHANNEL_HEALTHCHECK_INTERVAL_SEC",
		defaultHealthcheckIntervalSec, greaterThanZero, &warnings)
	healthcheckBatch := parseIntDefault("MIRROR_CHANNEL_HEALTHCHECK_BATCH", defaultHealthcheckBatchSize,
		greaterThanZero, &warnings)
	healthcheckRefresh := parseIntDefault("MIRROR_CHANNEL_HEALTHCHECK_REFRESH_SEC",
		defaultHealthcheckRefreshSec, greaterThanZero, &warnings)

	syncComments := parseBoolDefault("MIRROR_SYNC_COMMENTS", true, &warnings)
	maxCommentsPerPost := parseIntDefault("MIRROR_MAX_COMMENTS_PER_POST", defaultMaxCommentsPerPost,
		greaterThanZero, &warnings)

	peersDBPath := sanitizeFile("MIRROR_PEERS_DB_PATH", os.Getenv("MIRROR_PEERS_DB_PATH"), defaultPeersDBPath, &warnings)
	updateStateFile := sanitizeFile("MIRROR_UPDATE_STATE_FILE", os.Getenv("MIRROR_UPDATE_STATE_FILE"), defaultUpdateStateFile, &warnings)
	mirrorTitlePrefix := os.Getenv("MIRROR_TITLE_PREFIX")
	autoAdminIDs := splitNonEmpty(os.Getenv("MIRROR_AUTO_ADMIN_IDS"))

	env := EnvConfig{
		APIID:   apiID,
		APIHash: apiHash,

		DatabaseURL:      databaseURL,
		EncryptionSecret: encryptionSecret,

		LogLevel: logLevel,
		LogFile:  logFile,

		FloodWaitMaxSec:     floodWaitMax,
		StartRetryIntervalS: startRetryInterval,

		HealthcheckEnabled:     healthcheckEnabled,
		HealthcheckIntervalSec: healthcheckInterval,
		HealthcheckBatchSize:   healthcheckBatch,
		HealthcheckRefreshSec:  healthcheckRefresh,
		SyncComments:           syncComments,
		MaxCommentsPerPost:     maxCommentsPerPost,

		PeersDBPath:       peersDBPath,
		UpdateStateFile:   updateStateFile,
		MirrorTitlePrefix: mirrorTitlePrefix,
		AutoAdminIDs:      autoAdminIDs,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// splitNonEmpty splits a comma-separated env value, trimming whitespace and
// dropping empty entries; an unset or blank input yields a nil slice.
func splitNonEmpty(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент последней загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

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

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
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

// parseBoolDefault читает name как bool ("true"/"false", регистронезависимо).
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		appendWarningf(warnings, "env %s value %q is not a valid bool; using default %v", name, value, defaultVal)
		return defaultVal
	}
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }

// sanitizeLogLevel нормализует LOG_LEVEL и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultLogLevel.
func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

// sanitizeFile возвращает валидное имя файла конфигурации. Если переменная не
// задана, подставляет fallback и пишет предупреждение.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}
