package transport

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors mapped from backend failures.
var (
	ErrAuthRequired = errors.New("authorization required")
	ErrBanned       = errors.New("account deactivated")
	ErrNotConnected = errors.New("not connected")
)

// FloodWaitError reports a server-imposed cooldown. Wait already
// includes any safety margin added by the mapping layer.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Wait)
}

// AsFloodWait extracts a flood cooldown from err.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}
