package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/isidrovera/printer-management-sub000/internal/agentclient"
)

type Config struct {
	Log    LogConfig
	Server ServerConfig       `mapstructure:"server"`
	Agent  agentclient.Config `mapstructure:"agent"`
}

type ServerConfig struct {
	// HTTP base URL for registration, e.g. http://server:8080
	URL string `mapstructure:"url"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/printer-control-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("agent.token", "AGENT_TOKEN")
	_ = viper.BindEnv("server.url", "SERVER_URL")

	if err := viper.ReadInConfig(); err != nil {
		// No config file is fine: everything can come from the environment.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
