package valkey

import (
	"context"
	"time"

	"github.com/google/uuid"
	valkeylib "github.com/valkey-io/valkey-go"
)

// unlockScript deletes the lock key only while it still holds our token.
var unlockScript = valkeylib.NewLuaScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) end return 0`)

// TryLock acquires a best-effort distributed lock with SET NX EX under a
// fresh owner token. It returns ok=false without error when another holder
// owns the key. An unreleased lock expires after ttl.
func (c *Client) TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	err := c.inner.Do(ctx, c.inner.B().Set().Key(c.Key("lock", name)).Value(token).Nx().Ex(ttl).Build()).Error()
	if err != nil {
		if valkeylib.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return token, true, nil
}

// Unlock releases name if token still owns it. A lock that expired and was
// taken by another holder is left alone.
func (c *Client) Unlock(ctx context.Context, name, token string) error {
	return unlockScript.Exec(ctx, c.inner, []string{c.Key("lock", name)}, []string{token}).Error()
}

// Publish sends a message on a prefixed pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.inner.Do(ctx, c.inner.B().Publish().Channel(c.Key(channel)).Message(string(payload)).Build()).Error()
}

// Subscribe blocks delivering messages from a prefixed channel until ctx is
// cancelled or the connection fails.
func (c *Client) Subscribe(ctx context.Context, channel string, fn func(payload []byte)) error {
	return c.inner.Receive(ctx, c.inner.B().Subscribe().Channel(c.Key(channel)).Build(), func(msg valkeylib.PubSubMessage) {
		fn([]byte(msg.Message))
	})
}
