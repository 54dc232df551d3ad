package couch

import (
	"context"
	"encoding/json"
)

// DefaultBatchSize is the batcher's default accumulation size when the
// caller does not specify one.
const DefaultBatchSize = 100

// AllDocsByIDs turns an unbounded input sequence of document ids into
// bounded _all_docs batches, forwarding Row events to the consumer as soon
// as each batch returns while aggregating TotalCount (sum), Offset (the
// minimum observed across batches), and UpdateSequence (the maximum
// observed across batches) into one trailing summary emitted after every
// row (C5).
//
// Offset is taken as a minimum because each batch's _all_docs offset
// reflects only that batch's view into the id-sorted index — the overall
// position is the earliest batch's. UpdateSequence is taken as a maximum
// because later batches observe a newer or equal cluster sequence. Both
// rules are a best-effort client-side rollup; the upstream server contract
// does not formally specify cross-batch aggregation semantics.
func AllDocsByIDs[T any](ctx context.Context, c *Client, ids <-chan string, batchSize int) (<-chan ViewEvent[string, json.RawMessage, T], <-chan error, func()) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	events := make(chan ViewEvent[string, json.RawMessage, T])
	errs := make(chan error, 1)

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(events)
		defer close(errs)

		var (
			totalSum    int
			haveOffset  bool
			minOffset   int
			haveUpdSeq  bool
			maxUpdSeq   int64
			batch       []string
		)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			keys := make([]json.RawMessage, len(batch))
			for i, id := range batch {
				raw, err := json.Marshal(id)
				if err != nil {
					return err
				}
				keys[i] = raw
			}
			batch = batch[:0]

			q := ViewQuery{
				Keys:           keys,
				IncludeDocs:    true,
				IgnoreNotFound: true,
			}
			batchEvents, batchErrs, batchCancel := View[string, json.RawMessage, T](ctx, c, q)
			defer batchCancel()

			for {
				select {
				case ev, ok := <-batchEvents:
					if !ok {
						return nil
					}
					switch ev.Kind {
					case EventRow:
						select {
						case events <- ev:
						case <-ctx.Done():
							return ErrCancelled
						}
					case EventTotalCount:
						totalSum += ev.TotalCount
					case EventOffset:
						if ev.Offset >= 0 && (!haveOffset || ev.Offset < minOffset) {
							minOffset = ev.Offset
							haveOffset = true
						}
					case EventUpdateSequence:
						if !haveUpdSeq || ev.UpdateSeq > maxUpdSeq {
							maxUpdSeq = ev.UpdateSeq
							haveUpdSeq = true
						}
					}
				case err, ok := <-batchErrs:
					if ok && err != nil {
						return err
					}
				case <-ctx.Done():
					return ErrCancelled
				}
			}
		}

	loop:
		for {
			select {
			case id, ok := <-ids:
				if !ok {
					break loop
				}
				batch = append(batch, id)
				if len(batch) >= batchSize {
					if err := flush(); err != nil {
						if err != ErrCancelled {
							errs <- err
						}
						return
					}
				}
			case <-ctx.Done():
				errs <- ErrCancelled
				return
			}
		}

		if err := flush(); err != nil {
			if err != ErrCancelled {
				errs <- err
			}
			return
		}

		select {
		case events <- ViewEvent[string, json.RawMessage, T]{Kind: EventTotalCount, TotalCount: totalSum}:
		case <-ctx.Done():
			errs <- ErrCancelled
			return
		}
		if haveOffset {
			select {
			case events <- ViewEvent[string, json.RawMessage, T]{Kind: EventOffset, Offset: minOffset}:
			case <-ctx.Done():
				errs <- ErrCancelled
				return
			}
		}
		if haveUpdSeq {
			select {
			case events <- ViewEvent[string, json.RawMessage, T]{Kind: EventUpdateSequence, UpdateSeq: maxUpdSeq}:
			case <-ctx.Done():
				errs <- ErrCancelled
				return
			}
		}
	}()

	return events, errs, cancel
}
