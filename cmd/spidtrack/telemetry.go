package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PublishMQTT publishes the pointing snapshot to a broker topic once
// per interval until the context is canceled.
func (s *Server) PublishMQTT(ctx context.Context, broker, topic string, interval time.Duration) error {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID("spidtrack")
	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(2 * time.Second)
	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to broker %q: %w", broker, token.Error())
	}
	defer c.Disconnect(250)
	s.log.Infof("publishing pointing to %s topic %s", broker, topic)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		msg, err := json.Marshal(s.snapshot())
		if err != nil {
			return err
		}
		if token := c.Publish(topic, 0, false, msg); token.Wait() && token.Error() != nil {
			s.log.Warnf("publishing pointing: %v", token.Error())
		}
	}
}
