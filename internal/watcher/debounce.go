package watcher

import (
	"context"
	"time"
)

// batchBuffer bounds how many emitted batches can queue up behind a slow
// consumer. Sends block once it fills; batches are queued, never dropped.
const batchBuffer = 16

// Debouncer converts a live stream of ChangeRecords into discrete
// ChangeBatches. A single editor save commonly produces several raw OS
// events; the debouncer holds records until the stream settles, then emits
// one batch with at most one record per path.
//
// The settle timer restarts on every arrival. A file modified continuously
// (a log, a download in progress) would restart it forever, so a second
// timer force-flushes after MaxHold regardless.
type Debouncer struct {
	settle  time.Duration
	maxHold time.Duration
	out     chan ChangeBatch

	// probe checks the final OS state of a path at flush time. Injectable
	// for tests; defaults to an os.Stat probe.
	probe func(path string) bool
}

// NewDebouncer creates a debouncer with the given settle window and maximum
// hold time.
func NewDebouncer(settle, maxHold time.Duration) *Debouncer {
	if settle <= 0 {
		settle = 200 * time.Millisecond
	}
	if maxHold <= 0 {
		maxHold = 2 * time.Second
	}
	return &Debouncer{
		settle:  settle,
		maxHold: maxHold,
		out:     make(chan ChangeBatch, batchBuffer),
		probe:   exists,
	}
}

// Batches returns the emitted batch stream. Closed when Run returns.
func (d *Debouncer) Batches() <-chan ChangeBatch {
	return d.out
}

// Run consumes records until the input closes or the context is cancelled.
// Pending records are flushed on input close so a final save is never lost.
func (d *Debouncer) Run(ctx context.Context, records <-chan ChangeRecord) {
	defer close(d.out)

	buffer := make(map[string]ChangeRecord)
	var order []string

	var settleTimer, holdTimer *time.Timer
	var settleC, holdC <-chan time.Time

	stopTimers := func() {
		if settleTimer != nil {
			settleTimer.Stop()
			settleTimer, settleC = nil, nil
		}
		if holdTimer != nil {
			holdTimer.Stop()
			holdTimer, holdC = nil, nil
		}
	}

	flush := func() {
		stopTimers()
		if len(buffer) == 0 {
			return
		}
		batch := d.seal(buffer, order)
		buffer = make(map[string]ChangeRecord)
		order = order[:0]

		select {
		case d.out <- batch:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case record, ok := <-records:
			if !ok {
				flush()
				return
			}

			if _, seen := buffer[record.Path]; !seen {
				order = append(order, record.Path)
			}
			buffer[record.Path] = record

			// Restart the settle window on every arrival.
			if settleTimer == nil {
				settleTimer = time.NewTimer(d.settle)
				settleC = settleTimer.C
			} else {
				if !settleTimer.Stop() {
					select {
					case <-settleTimer.C:
					default:
					}
				}
				settleTimer.Reset(d.settle)
			}

			// The hold timer starts once per batch and is never restarted.
			if holdTimer == nil {
				holdTimer = time.NewTimer(d.maxHold)
				holdC = holdTimer.C
			}

		case <-settleC:
			flush()

		case <-holdC:
			flush()
		}
	}
}

// seal builds the outgoing batch from the buffered records, preserving
// first-seen path order and confirming deletions against the final OS
// state: a buffered Deleted whose path exists again was recreated within
// the window, and a surviving Created/Modified whose path is gone is a
// deletion the OS reported out of order.
func (d *Debouncer) seal(buffer map[string]ChangeRecord, order []string) ChangeBatch {
	records := make([]ChangeRecord, 0, len(order))
	for _, path := range order {
		record := buffer[path]
		onDisk := d.probe(path)
		switch {
		case record.Kind == KindDeleted && onDisk:
			record.Kind = KindModified
		case record.Kind != KindDeleted && !onDisk:
			record.Kind = KindDeleted
		}
		records = append(records, record)
	}
	return ChangeBatch{Records: records, EmittedAt: time.Now()}
}
