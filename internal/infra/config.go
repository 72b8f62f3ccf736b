package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации control plane.
// Значения собираются из yaml-файла, ENV и дефолтов (приоритет у ENV).
type Config struct {
	Server   ServerConfig              `mapstructure:"server"`
	Redis    RedisConfig               `mapstructure:"redis"`
	Journal  JournalConfig             `mapstructure:"journal"`
	Auth     AuthConfig                `mapstructure:"auth"`
	Registry RegistryConfig            `mapstructure:"registry"`
	Lease    LeaseConfig               `mapstructure:"lease"`
	Breakers map[string]BreakerConfig  `mapstructure:"breakers"`  // Ключ — имя защищаемой зависимости
	Pools    map[string]BulkheadConfig `mapstructure:"bulkheads"` // Ключ — имя ресурса
	Hub      HubConfig                 `mapstructure:"hub"`
	Router   RouterConfig              `mapstructure:"router"`
	Agent    AgentConfig               `mapstructure:"agent"`
	Logger   LoggerConfig              `mapstructure:"logger"`

	// Живой доступ к источнику значений: роутер перечитывает процент
	// трафика на каждом запросе, поэтому сам viper остается при конфиге.
	v *viper.Viper
}

// ServerConfig описывает настройки HTTP-сервера (fleetd / hubd).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig описывает подключение к общей шине pub/sub.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JournalConfig — журнал событий control plane в PostgreSQL.
type JournalConfig struct {
	DatabaseURL   string        `mapstructure:"database_url"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// AuthConfig — HMAC-секрет операторских токенов и учетка оператора.
type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	OperatorUser     string        `mapstructure:"operator_user"`
	OperatorPassHash string        `mapstructure:"operator_pass_hash"` // bcrypt-хэш, не сам пароль
}

// RegistryConfig — параметры каталога сервисов.
type RegistryConfig struct {
	// StalenessWindow — через какое время без heartbeat запись считается
	// протухшей и выпадает из выдачи. Настраиваемый параметр, не константа.
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// LeaseConfig — арбитр VRAM и его клиент.
type LeaseConfig struct {
	ServerAddr    string        `mapstructure:"server_addr"` // Переопределение адреса сервера аренды
	BudgetMB      int64         `mapstructure:"budget_mb"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryCap      time.Duration `mapstructure:"retry_cap"`

	// Дефолты по классам клиентов: "translator" -> {8000, 10m} и т.п.
	ClientClasses map[string]ClientClassConfig `mapstructure:"client_classes"`
}

type ClientClassConfig struct {
	VRAMEstimateMB int64         `mapstructure:"vram_estimate_mb"`
	TTL            time.Duration `mapstructure:"ttl"`
}

// BreakerConfig — настройки одного именованного circuit breaker-а.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	TimeoutDuration  time.Duration `mapstructure:"timeout_duration"` // Сколько держим open до half-open
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`  // Таймаут одного защищенного вызова
}

// BulkheadConfig — настройки одного пула изоляции.
type BulkheadConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxQueueSize  int           `mapstructure:"max_queue_size"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Strategy      string        `mapstructure:"strategy"` // "semaphore" (дефолт) или "worker_pool"
}

// HubConfig — адреса двух хабов телеметрии и шины.
type HubConfig struct {
	PrimaryURL     string        `mapstructure:"primary_url"`
	FallbackURL    string        `mapstructure:"fallback_url"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	BusSubject     string        `mapstructure:"bus_subject"`
}

// RouterConfig — фронтенды взвешенного роутера.
type RouterConfig struct {
	ForwardTimeout time.Duration             `mapstructure:"forward_timeout"`
	RegistryURL    string                    `mapstructure:"registry_url"` // Адрес каталога сервисов
	Frontends      map[string]FrontendConfig `mapstructure:"frontends"`    // Ключ — строка с номером порта
}

type FrontendConfig struct {
	FrontendPort      int    `mapstructure:"frontend_port"`
	BackendHost       string `mapstructure:"backend_host"` // По умолчанию 127.0.0.1
	LegacyBackendPort int    `mapstructure:"legacy_backend_port"`
	NewBackendPort    int    `mapstructure:"new_backend_port"`
	TrafficPercentNew int    `mapstructure:"traffic_percent_to_new"`

	// Имена агентов в реестре. Заданы — адрес бэкенда берется из реестра,
	// порты выше остаются запасным вариантом на случай его недоступности.
	LegacyAgent string `mapstructure:"legacy_agent"`
	NewAgent    string `mapstructure:"new_agent"`
}

// AgentConfig — параметры процесса-агента (agentd).
type AgentConfig struct {
	Name              string        `mapstructure:"name"`
	Host              string        `mapstructure:"host"`
	MainPort          int           `mapstructure:"main_port"`
	HealthPort        int           `mapstructure:"health_port"`
	Capabilities      []string      `mapstructure:"capabilities"`
	RegistryURL       string        `mapstructure:"registry_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")    // имя файла без расширения
	v.SetConfigType("yaml")      // формат
	v.AddConfigPath(".")         // ищем в корне
	v.AddConfigPath("./configs") // и в папке с конфигами

	// 2. Настройка переменных окружения (ENV)
	// Позволяет перекрывать конфиг: LEASE_BUDGET_MB=24000 перекроет lease.budget_mb
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	} else {
		// Горячая перезагрузка файла: нужна роутеру для live-процента
		v.WatchConfig()
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.v = v
	return &cfg, nil
}

// LiveTrafficPercent возвращает актуальный процент трафика на новый бэкенд
// для фронтенд-порта. Читается из viper на каждом вызове: оператор может
// поднять значение через ENV или правку файла без рестарта роутера.
func (c *Config) LiveTrafficPercent(frontendPort int) int {
	if c.v == nil {
		if fe, ok := c.Router.Frontends[fmt.Sprintf("%d", frontendPort)]; ok {
			return fe.TrafficPercentNew
		}
		return 0
	}
	key := fmt.Sprintf("router.frontends.%d.traffic_percent_to_new", frontendPort)
	p := c.v.GetInt(key)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// SetLiveTrafficPercent применяет команду раскатки, пришедшую с шины.
// Значение кладется поверх файла/ENV и видно следующему же запросу.
func (c *Config) SetLiveTrafficPercent(frontendPort, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if c.v != nil {
		key := fmt.Sprintf("router.frontends.%d.traffic_percent_to_new", frontendPort)
		c.v.Set(key, percent)
		return
	}
	if fe, ok := c.Router.Frontends[fmt.Sprintf("%d", frontendPort)]; ok {
		fe.TrafficPercentNew = percent
		c.Router.Frontends[fmt.Sprintf("%d", frontendPort)] = fe
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8500)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("journal.buffer_size", 10000)
	v.SetDefault("journal.flush_interval", 500*time.Millisecond)

	v.SetDefault("auth.token_ttl", 1*time.Hour)

	v.SetDefault("registry.staleness_window", 45*time.Second)
	v.SetDefault("registry.sweep_interval", 5*time.Second)

	v.SetDefault("lease.server_addr", "http://localhost:8500")
	v.SetDefault("lease.budget_mb", 24576) // 24GB по умолчанию
	v.SetDefault("lease.default_ttl", 10*time.Minute)
	v.SetDefault("lease.sweep_interval", 1*time.Second)
	v.SetDefault("lease.retry_attempts", 6)
	v.SetDefault("lease.retry_base", 250*time.Millisecond)
	v.SetDefault("lease.retry_cap", 2*time.Second)

	v.SetDefault("hub.publish_timeout", 3*time.Second)
	v.SetDefault("hub.bus_subject", BusChanTelemetry)

	v.SetDefault("router.forward_timeout", 10*time.Second)

	v.SetDefault("agent.heartbeat_interval", 10*time.Second)
	v.SetDefault("agent.request_timeout", 5*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
