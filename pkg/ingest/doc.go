// Package ingest streams rows into a pipe over the REST streaming API.
//
// A Client discovers the account's ingest host and opens Channels. Each
// Channel owns a continuation token and a contiguous sequence of offsets:
// every appended chunk advances the pushed offset by one, and Close waits
// for the server's committed offset to catch up before dropping the channel.
//
//	client, err := ingest.NewClient(ctx, cfg)
//	ch, err := client.OpenChannel(ctx, "orders-0")
//	_, err = ch.AppendRows(ctx, rows...)
//	err = ch.Close(ctx)
//
// Rows are sent as newline-delimited JSON. A request body is split so its
// packed size (twice the row bytes plus one per row) stays within
// MaxChunkBytes.
package ingest
