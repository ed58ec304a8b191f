package bus

import (
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Dial connects to broker and keeps reconnecting in the background.
// Subscriptions are not restored on reconnect; the lifecycle notices the
// silent channels and resubscribes.
func Dial(broker, clientID string, timeout time.Duration) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logrus.WithError(err).WithField("broker", broker).Warn("mqtt connection lost")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logrus.WithField("broker", broker).Info("connected to mqtt broker")
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, pkgerrors.Errorf("timed out connecting to %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect to %s", broker)
	}
	return client, nil
}
