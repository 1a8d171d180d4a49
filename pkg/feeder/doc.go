// Package feeder drains a paginated remote source into a work queue.
//
// A Task owns one pagination run. It requests a page from the source, pushes
// the page's items onto the destination queue and, while the source keeps
// returning a continuation token, schedules the next page as a new unit of
// work. The caller is never blocked: Start only schedules the first page.
//
// Example usage:
//
//	task, err := feeder.ScanToQueue(ctx, client, queue, feeder.Request{Target: "orders", Limit: 100},
//		feeder.WithCallback(func(err error, res feeder.Result) {
//			// fires exactly once
//		}))
//	if err != nil {
//		return err
//	}
//	err = drain.Wait(ctx, task, drain.DefaultConfig())
//
// A task stops on the first page error. There is no retry, no rate limiting
// and never more than one page request in flight per task.
//
// IsRunning reports whether the task still has outstanding work: pages left
// to fetch or items the queue's consumers have not finished. It is the only
// signal a driver needs to decide when to stop waiting.
package feeder
