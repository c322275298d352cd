// Package mqtt provides the daemon's MQTT broker connection.
//
// The broker is an optional side channel. When enabled it carries:
//   - a mirror of every decoded event ({prefix}/event/{kind})
//   - command lines for the control plane ({prefix}/control)
//   - periodic health reports ({prefix}/health)
//   - online/offline status with a Last Will ({prefix}/system/status)
//
// The default prefix is "btmidi".
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.Control(), 1,
//	    func(topic string, payload []byte) error {
//	        return plane.Inject(string(payload))
//	    })
//
// Subscriptions are restored automatically after a reconnect.
package mqtt
