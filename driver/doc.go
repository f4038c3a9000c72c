// Package driver runs an MQTT client session from a goroutine without a
// background loop of its own.
//
// A Handle owns one engine instance (see core/mqtt.Engine). The caller pumps
// network I/O with PollOne, or Run, from the goroutine that owns the Handle.
// Engine events are delivered to the registered handlers synchronously on
// that goroutine, before PollOne returns. Handler errors and panics are
// logged and never reach the engine.
//
// A Handle must not be used from several goroutines at once. Nothing inside
// the driver locks a Handle.
//
//	h, err := driver.New("", true)
//	if err != nil {
//		return err
//	}
//	defer h.Destroy()
//	h.OnConnect(func(ok bool, code int, reason string) error {
//		_, err := h.Subscribe("sensors/#", 1).Result()
//		return err
//	})
//	h.Connect("localhost", 1883, 60)
//	return h.Run(ctx, 100*time.Millisecond)
package driver
