// ABOUTME: Pulse service wire protocol package
// ABOUTME: Defines messages, the WebSocket client and inbound dispatch
// Package protocol implements the micpulse wire protocol.
//
// The client sends one config message and then a stream of base64 PCM16
// chunks over a WebSocket. The service pushes pulse, ok and error messages
// back, which a Dispatcher routes to handlers.
//
// Example:
//
//	client := protocol.NewClient(protocol.Config{URL: "ws://127.0.0.1:8000/ws/mic"})
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close()
//
//	err = client.SendConfig(16000, 1)
//	go protocol.NewDispatcher(handlers).Run(ctx, client.Messages())
//	err = client.SendFrame(pcm)
package protocol
