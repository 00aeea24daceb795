package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/tinypal/pkg/sdk/event"
)

// enqueuer is the part of the pipeline a simulated editor needs.
type enqueuer interface {
	Enqueue(eventType string, fields map[string]string)
}

var activityCycle = []string{
	event.TypeDocumentOpened,
	event.TypeDocumentFocused,
	event.TypeDocumentChanged,
	event.TypeDocumentChanged,
	event.TypeDocumentSaved,
	event.TypeCommandExecuted,
	event.TypeLaunch,
	event.TypeDocumentClosed,
}

var commands = []string{"build", "test", "format", "rename"}

// editorActivity returns the seq'th event of a producer's predictable edit
// cycle: open, focus, edit twice, save, run a command, launch, close.
func editorActivity(producer, seq int) (string, map[string]string) {
	typ := activityCycle[seq%len(activityCycle)]
	file := fmt.Sprintf("/workspace/editor%d/file%d.go", producer, (seq/len(activityCycle))%5)

	fields := map[string]string{"path": file}
	switch typ {
	case event.TypeDocumentChanged:
		fields["length"] = fmt.Sprint(100 + seq)
	case event.TypeCommandExecuted:
		fields["command"] = commands[(seq/len(activityCycle))%len(commands)]
	case event.TypeLaunch:
		fields = map[string]string{"configuration": "main", "mode": "debug"}
	}
	return typ, fields
}

// simulateEditor enqueues count events (forever when count is 0) until ctx
// is done.
func simulateEditor(ctx context.Context, p enqueuer, producer, count int, pace time.Duration) int {
	var ticker *time.Ticker
	if pace > 0 {
		ticker = time.NewTicker(pace)
		defer ticker.Stop()
	}

	sent := 0
	for count == 0 || sent < count {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return sent
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return sent
		}

		typ, fields := editorActivity(producer, sent)
		p.Enqueue(typ, fields)
		sent++
	}
	return sent
}
