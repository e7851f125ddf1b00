package logger

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Init configures the standard logrus logger from config and returns it.
func Init() *logrus.Logger {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")

	log := logrus.StandardLogger()
	log.SetOutput(os.Stdout)

	if viper.GetString("log.format") == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		log.WithError(err).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
