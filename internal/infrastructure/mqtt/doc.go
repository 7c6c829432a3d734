// Package mqtt provides MQTT client connectivity for the automation service.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees for the mqtt.publish action
//   - Run lifecycle event topics under a configurable prefix
//   - Last Will and Testament (LWT) for offline detection
//
// # Topics
//
//	{prefix}/status            retained online/offline status
//	{prefix}/{automation}/run  run_started and run_finished events
//	{prefix}/{automation}/step step_finished events
//
// The prefix comes from mqtt.events_topic_prefix (default graylogic/automation).
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Anonymous access is only for local development
//   - Publishing to wildcard and "$" topics is rejected
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.PublishJSON(client.Topics().RunEvent("welcome_email"), event, false)
package mqtt
