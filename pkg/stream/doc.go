// Package stream hands encoded audio frames from the realtime capture
// callback to the network sender.
//
// A FrameChannel is a bounded FIFO with an explicit overflow policy. Its
// Enqueue never blocks, so it is safe to call from an audio device thread.
// A Sender drains the channel in order and writes each frame to a
// FrameWriter, usually a protocol.Client.
//
// Example:
//
//	ch := stream.NewFrameChannel(50, 1280, stream.DropOldest)
//	sender := stream.NewSender(ch, client)
//	go sender.Run(ctx)
//
//	buf := ch.Acquire()
//	n, _ := encoder.EncodeInto(buf, block)
//	ch.Enqueue(stream.Frame{PCM: buf[:n]})
package stream
