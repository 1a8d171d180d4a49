package feeder

import "context"

// ScanToQueue creates a scan task and schedules its first page.
func ScanToQueue[T any](ctx context.Context, client Client[T], queue Queue[T], req Request, opts ...Option) (*Task[T], error) {
	return startTask(ctx, client, queue, req, KindScan, opts)
}

// QueryToQueue creates a query task and schedules its first page.
func QueryToQueue[T any](ctx context.Context, client Client[T], queue Queue[T], req Request, opts ...Option) (*Task[T], error) {
	return startTask(ctx, client, queue, req, KindQuery, opts)
}

func startTask[T any](ctx context.Context, client Client[T], queue Queue[T], req Request, kind Kind, opts []Option) (*Task[T], error) {
	task, err := New(client, queue, req, kind, opts...)
	if err != nil {
		return nil, err
	}
	if err := task.Start(ctx); err != nil {
		return nil, err
	}
	return task, nil
}
