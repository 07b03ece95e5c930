/*
Package events provides in-process pub/sub for pipeline lifecycle events.

The Broker distributes asset lifecycle events (registered, queued,
published, failed, rescued) and operational warnings (high failure rate,
queue paused) to any number of subscribers. Subscribers receive events on
buffered channels; a subscriber that falls behind has events dropped
rather than blocking the pipeline.

Components never call each other through the broker — cross-component
coordination flows through the database and the queue. The broker exists
purely as an observation surface: log tailers, the failure-rate alarm,
and tests attach here.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.EventAssetPublished, events.EventAssetFailed)
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.AssetID, ev.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventAssetPublished,
		AssetID: 42,
		Message: "did:dkg:otp:2043/0xabc/1",
	})

# Delivery Semantics

Delivery is best-effort and in-process only. Events carry no state the
pipeline depends on; all authoritative state lives in the asset store,
wallet pool and queue.
*/
package events
