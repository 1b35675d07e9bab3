package gossip

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tcfw/btcbridge/internal/utils/logging"
)

const pubsubBuf = 64

// PubSub is a Transport over libp2p gossipsub.
type PubSub struct {
	router *pubsub.PubSub
	logger *logrus.Entry

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	ctx    context.Context
}

func NewPubSub(ctx context.Context, router *pubsub.PubSub) *PubSub {
	return &PubSub{
		router: router,
		logger: logging.Component("gossip"),
		topics: map[string]*pubsub.Topic{},
		ctx:    ctx,
	}
}

func (p *PubSub) topic(channel string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[channel]
	if ok {
		return t, nil
	}

	t, err := p.router.Join(channel)
	if err != nil {
		return nil, errors.Wrap(err, "joining topic")
	}

	p.topics[channel] = t
	return t, nil
}

func (p *PubSub) Subscribe(channel string) (<-chan *Msg, error) {
	t, err := p.topic(channel)
	if err != nil {
		return nil, err
	}

	sub, err := t.Subscribe()
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to topic")
	}

	msgCh := make(chan *Msg, pubsubBuf)

	go func() {
		defer close(msgCh)
		defer sub.Cancel()

		for {
			m, err := sub.Next(p.ctx)
			if err != nil {
				if p.ctx.Err() == nil {
					p.logger.WithError(err).Errorf("sub %s closed", channel)
				}
				return
			}

			msg, err := Unmarshal(m.Data)
			if err != nil {
				p.logger.WithError(err).WithField("from", m.GetFrom()).Error("unmarshalling msg")
				continue
			}
			msg.Peer = m.GetFrom()

			select {
			case msgCh <- msg:
			case <-p.ctx.Done():
				return
			}
		}
	}()

	return msgCh, nil
}

func (p *PubSub) Publish(ctx context.Context, channel string, m *Msg) error {
	t, err := p.topic(channel)
	if err != nil {
		return err
	}

	b, err := m.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshalling msg")
	}

	return t.Publish(ctx, b)
}
