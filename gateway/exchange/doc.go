/*
Package exchange implements a single bounded request/reply turn between a peer and the gateway. The peer's request may arrive over a WebSocket connection or as a plain HTTP request, and the reply is sent back over the same channel without the caller having to care which one it is.

An exchange proceeds as follows:

1. The gateway accepts the request, upgrading it to a WebSocket connection if the peer asked for one.
2. The request is read fragment-by-fragment into memory until the final fragment of the message arrives. Reading is bounded by a size limit and by a deadline composed from a timeout and the process shutdown signal.
3. The bytes are parsed as JSON into a Value, which keeps object key order and distinguishes integers from floats.
4. Exactly one reply Value is sent back. Over a WebSocket the reply is sent as one message and the connection is closed normally; over HTTP the reply is written with its status code.

Failures are reported with an error envelope of the form {"error": "...", "error_id": "..."}.

Errors can be told apart with errors.Is: ErrCanceled for deadlines and shutdown, ErrProtocol for peers that misbehave at the message level, and ErrParse for malformed JSON.
*/
package exchange
