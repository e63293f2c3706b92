package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Davincible/claude-code-mux/internal/canonical"
)

var (
	// ErrNoRouteForModel is returned when no provider can serve a model.
	ErrNoRouteForModel = errors.New("no route for model")

	// ErrInvalidConfiguration is returned when a snapshot cannot be built.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// NoRouteError reports the model and mode that failed to resolve.
type NoRouteError struct {
	Model string
	Mode  canonical.Mode
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no route for model %q (mode %s)", e.Model, e.Mode)
}

func (e *NoRouteError) Is(target error) bool {
	return target == ErrNoRouteForModel
}

// ConfigError lists every referential problem found in a configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}
