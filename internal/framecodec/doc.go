// Package framecodec turns raw engine image buffers into frames that can be
// written to a viewer socket.
//
// A Frame is an encoded image (JPEG or PNG) plus the runner-assigned sequence
// number. Frames travel to viewers in one of two encodings:
//
//   - binary: a 16-byte header followed by the image payload, sent as a
//     websocket binary message;
//   - json: a FrameEnvelope text message whose payload is base64 encoded and
//     whose "type" field is "frame", so it can share a text channel with status
//     messages.
//
// The codec is stateless apart from a buffer pool and is safe for concurrent
// use.
package framecodec
