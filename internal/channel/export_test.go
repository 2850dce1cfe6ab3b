package channel

import "time"

// SetNow overrides the channel clock so delivery tests can step through
// ack deadlines and backoff windows without sleeping.
func (c *Channel) SetNow(now func() time.Time) {
	c.now = now
}
