package taskmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"ci-dashboard/goutils/datamodel"
	"ci-dashboard/goutils/settings"
	"ci-dashboard/goutils/taskmgr"
)

type RabbitmqTaskMgr struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	settings *settings.Rabbitmq
}

var _ taskmgr.Publisher = (*RabbitmqTaskMgr)(nil)

func NewRabbitmqTaskMgr(config *settings.Rabbitmq) (*RabbitmqTaskMgr, error) {
	conn, err := Dial(config)
	if err != nil {
		return nil, err
	}

	return &RabbitmqTaskMgr{conn: conn, settings: config}, nil
}

// getChannel returns the publishing channel, opening a new one if the previous one was closed.
func (r *RabbitmqTaskMgr) getChannel() (*amqp.Channel, error) {
	if r.channel != nil {
		return r.channel, nil
	}

	channel, err := r.conn.Channel()
	if err != nil {
		log.Errorf("Failed to open a channel on rabbitmq: %v", err)

		return nil, taskmgr.ErrPublisherInitFailed
	}

	err = channel.ExchangeDeclare(r.settings.Setup.Core.Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		log.Errorf("Failed to declare an exchange on rabbitmq: %v", err)

		return nil, taskmgr.ErrPublisherInitFailed
	}

	closed := channel.NotifyClose(make(chan *amqp.Error, 1))

	go func() {
		if err := <-closed; err != nil {
			log.Warnf("rabbitmq channel closed: %v", err)
		}

		r.mu.Lock()
		r.channel = nil
		r.mu.Unlock()
	}()

	r.channel = channel

	return channel, nil
}

func (r *RabbitmqTaskMgr) Publish(ctx context.Context, event *datamodel.BuildEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%w: %s", taskmgr.ErrPublishFailed, err.Error())
	}

	routingKey := RoutingKey(r.settings, event)

	err = backoff.Retry(func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		channel, err := r.getChannel()
		if err != nil {
			return err
		}

		return channel.Publish(r.settings.Setup.Core.Exchange, routingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.settings.RetryCount)), ctx))
	if err != nil {
		log.WithError(err).WithField("routingKey", routingKey).Error("failed to publish build event")

		return fmt.Errorf("%w: %s", taskmgr.ErrPublishFailed, err.Error())
	}

	log.WithField("routingKey", routingKey).Debug("published build event")

	return nil
}

func (r *RabbitmqTaskMgr) Shutdown(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		if err := r.channel.Close(); err != nil && err != amqp.ErrClosed {
			log.Errorf("Failed to close channel on rabbitmq: %v", err)
		}
	}

	err := r.conn.Close()
	if err != nil && err != amqp.ErrClosed {
		log.Errorf("Failed to close connection on rabbitmq: %v", err)

		return err
	}

	return nil
}

// RoutingKey is "<prefix>.success" or "<prefix>.failure" so consumers can bind to either outcome.
func RoutingKey(config *settings.Rabbitmq, event *datamodel.BuildEvent) string {
	prefix := config.Setup.BuildEvents.RoutingKeyPrefix
	if prefix == "" {
		prefix = "build"
	}

	if event.Success {
		return prefix + ".success"
	}

	return prefix + ".failure"
}

func URL(config *settings.Rabbitmq) string {
	return fmt.Sprintf("amqp://%s:%s@%s/", config.User, config.Password, net.JoinHostPort(config.Host, strconv.Itoa(config.Port)))
}

func Dial(config *settings.Rabbitmq) (*amqp.Connection, error) {
	conn, err := amqp.Dial(URL(config))
	if err != nil {
		log.Errorf("Failed to connect to RabbitMQ: %v", err)

		return nil, fmt.Errorf("%w: %s", taskmgr.ErrPublisherInitFailed, err.Error())
	}

	return conn, nil
}
