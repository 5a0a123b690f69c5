package config

import (
	"os"
	"strconv"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port"`
	// BaseURL 对外可访问地址，用于回调与 webhook 订阅
	BaseURL string `yaml:"base_url"`
}

// LLMConfig OpenAI 兼容接口配置
type LLMConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// GoogleConfig Gmail OAuth 与 Pub/Sub 配置
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	PubSubTopic  string `yaml:"pubsub_topic"`
	WebhookToken string `yaml:"webhook_token"`
}

// MicrosoftConfig Graph OAuth 与订阅配置
type MicrosoftConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	Tenant       string `yaml:"tenant"`
	ClientState  string `yaml:"client_state"`
}

// QStashConfig QStash 配置
type QStashConfig struct {
	Token             string `yaml:"token"`
	CurrentSigningKey string `yaml:"current_signing_key"`
	NextSigningKey    string `yaml:"next_signing_key"`
}

// SchedulerConfig 延迟动作的队列后端：qstash | amqp | 空（禁用）
type SchedulerConfig struct {
	Backend string `yaml:"backend"`
}

// IntakeConfig webhook 入口：async 时新邮件交给 worker 处理
type IntakeConfig struct {
	Async          bool `yaml:"async"`
	LockTTLSeconds int  `yaml:"lock_ttl_seconds"`
}

// SecurityConfig 加密与外部 webhook 密钥
type SecurityConfig struct {
	TokenEncryptionKey string `yaml:"token_encryption_key"`
	WebhookSecret      string `yaml:"webhook_secret"`
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	setString(&cfg.Host, "DB_HOST")
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	setString(&cfg.User, "DB_USER")
	setString(&cfg.Password, "DB_PASSWORD")
	setString(&cfg.Name, "DB_NAME")
	setString(&cfg.SSLMode, "DB_SSLMODE")
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	setString(&cfg.URL, "MQ_URL")
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	setString(&cfg.Addr, "REDIS_ADDR")
	setString(&cfg.Password, "REDIS_PASSWORD")
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	setString(&cfg.Secret, "JWT_SECRET")
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	setString(&cfg.Port, "SERVER_PORT")
	setString(&cfg.BaseURL, "SERVER_BASE_URL")
}

// OverrideLLMFromEnv 从环境变量覆盖 LLM 配置
func OverrideLLMFromEnv(cfg *LLMConfig) {
	setString(&cfg.APIKey, "OPENAI_API_KEY")
	setString(&cfg.BaseURL, "OPENAI_BASE_URL")
	setString(&cfg.Model, "LLM_MODEL")
}

// OverrideGoogleFromEnv 从环境变量覆盖 Google 配置
func OverrideGoogleFromEnv(cfg *GoogleConfig) {
	setString(&cfg.ClientID, "GOOGLE_CLIENT_ID")
	setString(&cfg.ClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&cfg.PubSubTopic, "GOOGLE_PUBSUB_TOPIC_NAME")
	setString(&cfg.WebhookToken, "GOOGLE_PUBSUB_VERIFICATION_TOKEN")
}

// OverrideMicrosoftFromEnv 从环境变量覆盖 Microsoft 配置
func OverrideMicrosoftFromEnv(cfg *MicrosoftConfig) {
	setString(&cfg.ClientID, "MICROSOFT_CLIENT_ID")
	setString(&cfg.ClientSecret, "MICROSOFT_CLIENT_SECRET")
	setString(&cfg.Tenant, "MICROSOFT_TENANT_ID")
	setString(&cfg.ClientState, "MICROSOFT_WEBHOOK_CLIENT_STATE")
}

// OverrideQStashFromEnv 从环境变量覆盖 QStash 配置
func OverrideQStashFromEnv(cfg *QStashConfig) {
	setString(&cfg.Token, "QSTASH_TOKEN")
	setString(&cfg.CurrentSigningKey, "QSTASH_CURRENT_SIGNING_KEY")
	setString(&cfg.NextSigningKey, "QSTASH_NEXT_SIGNING_KEY")
}

// OverrideSecurityFromEnv 从环境变量覆盖密钥配置
func OverrideSecurityFromEnv(cfg *SecurityConfig) {
	setString(&cfg.TokenEncryptionKey, "EMAIL_ENCRYPT_SECRET")
	setString(&cfg.WebhookSecret, "WEBHOOK_SECRET")
}

// OverrideIntakeFromEnv 从环境变量覆盖 webhook 入口配置
func OverrideIntakeFromEnv(cfg *IntakeConfig) {
	if v := os.Getenv("INTAKE_ASYNC"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Async = b
		}
	}
}
