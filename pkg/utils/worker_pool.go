package utils

import (
	"fmt"
	"sync"

	"github.com/wentf9/xops-sftpfs/pkg/logger"
)

// WorkerPool 限制同时运行的任务数
type WorkerPool interface {
	Execute(task func())
	Wait()
}

type defaultWorkerPool struct {
	limit        chan struct{}
	wg           sync.WaitGroup
	panicHandler func(any)
}

type Option func(*defaultWorkerPool)

// WithPanicHandler 替换默认的 panic 处理 (记录日志后继续)
func WithPanicHandler(handler func(any)) Option {
	return func(wp *defaultWorkerPool) {
		wp.panicHandler = handler
	}
}

// NewWorkerPool maxConcurrent 为 0 时默认 5
func NewWorkerPool(maxConcurrent uint, options ...Option) WorkerPool {
	if maxConcurrent == 0 {
		maxConcurrent = 5
	}
	wp := &defaultWorkerPool{
		limit: make(chan struct{}, maxConcurrent),
		panicHandler: func(r any) {
			logger.Logger.Error("worker panic", "panic", fmt.Sprint(r))
		},
	}
	for _, option := range options {
		option(wp)
	}
	return wp
}

// Execute 提交任务, 用法和 sync.WaitGroup.Go() 一致
func (wp *defaultWorkerPool) Execute(task func()) {
	wp.wg.Go(func() {
		wp.limit <- struct{}{}
		defer func() { <-wp.limit }()
		defer func() {
			if r := recover(); r != nil {
				wp.panicHandler(r)
			}
		}()
		task()
	})
}

func (wp *defaultWorkerPool) Wait() {
	wp.wg.Wait()
}
