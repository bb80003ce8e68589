package feed

import (
	"context"
	"encoding/json"

	"github.com/Lekssays/flpoison/session"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Listen dials a hub and hands every round record to fn until ctx is done,
// the hub closes the connection or fn fails.
func Listen(ctx context.Context, url string, fn func(session.RoundRecord) error) error {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", url)
	}
	defer c.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return errors.Wrap(err, "read")
		}
		var record session.RoundRecord
		if err := json.Unmarshal(message, &record); err != nil {
			return errors.Wrap(err, "decode round record")
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}
