// Package workerpool provides a small shared pool of workers with per-call
// result collection rooms. The chunker uses it to hash chunks in parallel and
// the garbage collector uses it for the chunk sweep.
package workerpool

import (
	"fmt"
	"runtime"
	"sync"
)

type WorkerPool struct {
	config    Config
	taskQueue chan task
	closeOnce sync.Once
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room collects the results of a group of tasks submitted together.
type Room struct {
	resultChan chan interface{}
	wg         sync.WaitGroup
	wp         *WorkerPool
}

type task struct {
	run  func() interface{}
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 2
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 4096
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan task, config.GlobalBuffer),
	}

	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

// Close stops the workers once all queued tasks have drained. Rooms created
// before Close may still collect their results.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		close(wp.taskQueue)
	})
}

func (wp *WorkerPool) CreateRoom(buffer int) *Room {
	if buffer < 1 {
		buffer = 1
	}
	return &Room{
		resultChan: make(chan interface{}, buffer),
		wp:         wp,
	}
}

// Submit queues a task, blocking until a queue slot is free.
func (ro *Room) Submit(job func() interface{}) {
	ro.wg.Add(1)
	ro.wp.taskQueue <- task{run: job, room: ro}
}

// TrySubmit queues a task without blocking and reports whether a slot was
// available.
func (ro *Room) TrySubmit(job func() interface{}) error {
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return fmt.Errorf("worker pool queue is full")
	}
	ro.Submit(job)
	return nil
}

// Collect waits for every submitted task and returns all results in
// completion order.
func (ro *Room) Collect() []interface{} {
	go func() {
		ro.wg.Wait()
		close(ro.resultChan)
	}()

	results := make([]interface{}, 0)
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}
