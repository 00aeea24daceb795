/*
Package sdk is the host-side half of tinypal: a fire-and-forget pipeline that
forwards developer activity events from an editor or tool to the local
collector.

# Quick Start

	p := sdk.New(sdk.Config{
	    HostVersion: "MyEditor 2.4",
	})
	if err := p.Start(context.Background()); err != nil {
	    log.Fatal(err)
	}
	defer p.Stop()

	p.Enqueue(event.TypeDocumentSaved, map[string]string{
	    "path": "main.go",
	})

Start records IDE_STARTED and Stop records IDE_STOPPED, so a host only has to
call Enqueue for the activity in between.

# Event Layout

Every event carries the experiment fields of the developer-logging
experiment, the group name ("DevLog" unless configured) and a millisecond
timestamp. Its outputs always start with:

  - type: the event type tag, e.g. DOCUMENT_OPENED
  - apps_used: the host version string
  - session_id: a random identifier shared by all events of one pipeline

Fields passed to Enqueue follow in key order. Use EnqueueOutputs to keep a
specific order.

# Delivery

Events are queued in memory and sent every FlushEvery (default 10 seconds)
as a single TESP AddEvent message per flush:

 1. If the collector is unreachable the flush is skipped and events stay
    queued for the next one.
 2. If sending fails after the queue was drained, that batch is dropped.
 3. Stop runs one last flush, bounded by ShutdownTimeout.

Nothing is retried and nothing is persisted. Delivery is at most once.

# Configuration

	p := sdk.New(sdk.Config{
	    Addr:            "127.0.0.1:31415", // collector TESP address
	    FlushEvery:      10 * time.Second,
	    DialTimeout:     5 * time.Second,
	    WriteTimeout:    5 * time.Second,
	    ShutdownTimeout: 5 * time.Second,
	    Group:           "DevLog",
	    Logger:          slog.Default(),
	})

The zero Config is valid and uses the values above.

# See Also

  - pkg/sdk/batch for the flush loop
  - pkg/sdk/transport for the collector connection
  - pkg/tesp for the wire format
*/
package sdk
