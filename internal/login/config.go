package login

import (
	"time"

	"go.uber.org/zap"

	"github.com/bfotp/bfotp/internal/transport"
)

const (
	// DefaultLoginTimeout bounds the wall-clock window between issuing a challenge and its approval.
	DefaultLoginTimeout = 180 * time.Second
)

// Config customizes a Controller.
type Config struct {
	Endpoints    Endpoints
	Game         Game
	LoginTimeout time.Duration
	Transport    transport.Config
	// Clock returns the current time; nil means time.Now.
	Clock  func() time.Time
	Logger *zap.Logger
}
