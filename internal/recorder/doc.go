// Package recorder persists stream messages to PostgreSQL in batches.
//
// Messages are handed to Record from the receive loops, buffered in a bounded
// channel and written with COPY into stream_events. Record never blocks: when
// the buffer is full the message is counted as dropped.
package recorder
