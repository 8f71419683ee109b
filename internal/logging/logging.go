package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New returns a development logger for APP_ENV=dev or test and a JSON
// production logger otherwise. Every entry carries the service name.
func New(appEnv, service string) (*zap.Logger, error) {
	var (
		l   *zap.Logger
		err error
	)
	switch appEnv {
	case "dev", "test", "":
		l, err = zap.NewDevelopment()
	default:
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	return l.With(zap.String("service", service), zap.String("env", appEnv)), nil
}
