package telegram

import (
	"time"

	"github.com/valmat-dev/inboxd/internal/transport"
	"go.uber.org/zap"
)

// Factory builds MTProto clients sharing one logger and connect timeout.
type Factory struct {
	timeout time.Duration
	log     *zap.Logger
}

// NewFactory returns a client factory.
func NewFactory(timeout time.Duration, log *zap.Logger) *Factory {
	return &Factory{timeout: timeout, log: log}
}

// New implements transport.Factory.
func (f *Factory) New(creds transport.Credentials) (transport.Client, error) {
	return New(creds, f.timeout, f.log), nil
}
