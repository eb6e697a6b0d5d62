package platform

import (
	"context"
	"fmt"

	"github.com/xaenox/relay-bot/internal/models"
)

// Sender delivers an outbound text message to one platform.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// Dispatcher routes outbound messages to the sender registered for the
// target platform.
type Dispatcher struct {
	senders map[models.Platform]Sender
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{senders: make(map[models.Platform]Sender)}
}

// Register binds a sender to a platform, replacing any previous binding.
func (d *Dispatcher) Register(platform models.Platform, sender Sender) {
	d.senders[platform] = sender
}

func (d *Dispatcher) Send(ctx context.Context, platform models.Platform, channelID, text string) error {
	sender, ok := d.senders[platform]
	if !ok {
		return fmt.Errorf("no sender registered for platform %q", platform)
	}
	return sender.Send(ctx, channelID, text)
}
