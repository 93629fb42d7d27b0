// Package runner 把互相独立的任务 (通常每个任务对应一个连接) 分发到工作池并行执行
package runner

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/wentf9/xops-sftpfs/pkg/utils"
)

type Result[T any] struct {
	Item  T
	Error error
}

// RunParallel 执行全部任务, 每个任务的结果都通过通道返回
func RunParallel[T any](items []T, concurrency uint, task func(item T) error) <-chan Result[T] {
	wp := utils.NewWorkerPool(concurrency)
	// 缓冲区等于任务数, worker 不会阻塞
	results := make(chan Result[T], len(items))
	go func() {
		for _, item := range items {
			wp.Execute(func() {
				results <- Result[T]{Item: item, Error: task(item)}
			})
		}
		wp.Wait()
		close(results)
	}()
	return results
}

// RunAll 第一个失败的任务取消其余任务并返回它的错误
func RunAll[T any](ctx context.Context, items []T, concurrency int, task func(ctx context.Context, item T) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return task(ctx, item)
		})
	}
	return g.Wait()
}
