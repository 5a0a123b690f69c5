package config

import (
	"log"

	"gopkg.in/yaml.v3"

	"inboxzero/pkg/config"
)

type Config struct {
	Env       string                 `yaml:"-"`
	Server    config.ServerConfig    `yaml:"server"`
	DB        config.DBConfig        `yaml:"db"`
	Redis     config.RedisConfig     `yaml:"redis"`
	MQ        config.MQConfig        `yaml:"mq"`
	JWT       config.JWTConfig       `yaml:"jwt"`
	LLM       config.LLMConfig       `yaml:"llm"`
	Google    config.GoogleConfig    `yaml:"google"`
	Microsoft config.MicrosoftConfig `yaml:"microsoft"`
	QStash    config.QStashConfig    `yaml:"qstash"`
	Scheduler config.SchedulerConfig `yaml:"scheduler"`
	Intake    config.IntakeConfig    `yaml:"intake"`
	Security  config.SecurityConfig  `yaml:"security"`
}

func Load() *Config {
	// 使用统一配置中心
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg, err := FromMap(cfgMap)
	if err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}
	cfg.Env = env

	// 环境变量覆盖（优先级最高）
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideLLMFromEnv(&cfg.LLM)
	config.OverrideGoogleFromEnv(&cfg.Google)
	config.OverrideMicrosoftFromEnv(&cfg.Microsoft)
	config.OverrideQStashFromEnv(&cfg.QStash)
	config.OverrideSecurityFromEnv(&cfg.Security)
	config.OverrideIntakeFromEnv(&cfg.Intake)

	return cfg
}

// FromMap 将合并后的配置 map 转换为 Config
func FromMap(cfgMap map[string]interface{}) (*Config, error) {
	var cfg Config
	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
