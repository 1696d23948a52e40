package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"qa-image-collector/src/configs"
	"qa-image-collector/src/core/utils"
)

// WorkerPool manages a pool of workers for executing tasks
type WorkerPool struct {
	config      configs.TaskConfig
	registry    *TaskRegistry
	workers     []*Worker
	taskQueue   chan *Task
	stopChan    chan struct{}
	idleWorkers chan *Worker
	stopped     int32
	wg          sync.WaitGroup
	logger      *utils.TaggedLogger
	mu          sync.RWMutex
}

// Worker represents a task execution worker
type Worker struct {
	id       string
	status   atomic.Value
	taskChan chan *Task
	stopChan chan struct{}
	pool     *WorkerPool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(config configs.TaskConfig, registry *TaskRegistry, logger *utils.Logger) *WorkerPool {
	config = config.WithDefaults()
	wp := &WorkerPool{
		config:      config,
		registry:    registry,
		taskQueue:   make(chan *Task, config.QueueSize),
		stopChan:    make(chan struct{}),
		idleWorkers: make(chan *Worker, config.MaxWorkers),
		logger:      logger.WithTag("task"),
	}

	wp.initWorkers()
	return wp
}

func (wp *WorkerPool) initWorkers() {
	wp.workers = make([]*Worker, wp.config.MaxWorkers)
	for i := 0; i < wp.config.MaxWorkers; i++ {
		worker := newWorker(fmt.Sprintf("worker-%d", i), wp)
		wp.workers[i] = worker
		// 初始化时所有工作者都是空闲的
		wp.idleWorkers <- worker
	}
}

// Start starts the worker pool
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	for _, worker := range wp.workers {
		wp.wg.Add(1)
		go worker.start()
	}

	wp.wg.Add(1)
	go wp.distributeItems()
}

// Stop stops accepting tasks and waits for running ones to return
func (wp *WorkerPool) Stop() {
	if !atomic.CompareAndSwapInt32(&wp.stopped, 0, 1) {
		return
	}
	wp.mu.Lock()
	close(wp.stopChan)
	for _, worker := range wp.workers {
		worker.stop()
	}
	wp.mu.Unlock()
	wp.wg.Wait()

	// 队列中尚未分配的任务直接失败
	for {
		select {
		case task := <-wp.taskQueue:
			task.finish(ErrPoolStopped)
		default:
			return
		}
	}
}

// Submit submits a task to the worker pool
func (wp *WorkerPool) Submit(task *Task) error {
	if atomic.LoadInt32(&wp.stopped) == 1 {
		return ErrPoolStopped
	}
	if _, exists := wp.registry.Get(task.Type); !exists {
		return fmt.Errorf("%w: %s", ErrUnknownTaskType, task.Type)
	}
	select {
	case wp.taskQueue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// distributeItems hands queued tasks to idle workers
func (wp *WorkerPool) distributeItems() {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.stopChan:
			return
		case task := <-wp.taskQueue:
			select {
			case worker := <-wp.idleWorkers:
				worker.assignTask(task)
			case <-wp.stopChan:
				task.finish(ErrPoolStopped)
				return
			}
		}
	}
}

// workerFinished 当工作者完成任务时调用
func (wp *WorkerPool) workerFinished(worker *Worker) {
	select {
	case wp.idleWorkers <- worker:
	default:
		wp.logger.Warn(fmt.Sprintf("Failed to return worker %s to idle pool", worker.id))
	}
}

// Busy returns the number of workers currently executing a task
func (wp *WorkerPool) Busy() int {
	busy := 0
	for _, w := range wp.workers {
		if w.getStatus() == WorkerStatusBusy {
			busy++
		}
	}
	return busy
}

// Queued returns the number of tasks waiting for a worker
func (wp *WorkerPool) Queued() int {
	return len(wp.taskQueue)
}

func newWorker(id string, pool *WorkerPool) *Worker {
	w := &Worker{
		id:       id,
		taskChan: make(chan *Task, 1),
		stopChan: make(chan struct{}),
		pool:     pool,
	}
	w.status.Store(WorkerStatusIdle)
	return w
}

func (w *Worker) getStatus() WorkerStatus {
	return w.status.Load().(WorkerStatus)
}

func (w *Worker) start() {
	defer w.pool.wg.Done()
	for {
		select {
		case <-w.stopChan:
			return
		case task := <-w.taskChan:
			w.executeTask(task)
		}
	}
}

func (w *Worker) executeTask(task *Task) {
	w.status.Store(WorkerStatusBusy)
	defer func() {
		w.status.Store(WorkerStatusIdle)
		w.pool.workerFinished(w)
	}()

	executor, exists := w.pool.registry.Get(task.Type)
	if !exists {
		task.finish(fmt.Errorf("%w: %s", ErrUnknownTaskType, task.Type))
		return
	}

	ctx, cancel := context.WithTimeout(task.Context, w.pool.config.TaskTimeout)
	defer cancel()
	task.Context = ctx

	done := make(chan struct{})
	go func() {
		defer close(done)
		task.Execute(executor)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// 超时或取消；执行器仍可能在收尾，结果以先到者为准
		task.finish(ctx.Err())
		w.pool.logger.Warn(fmt.Sprintf("任务 %s 超时或被取消: %v", task.ID, ctx.Err()))
	}
}

func (w *Worker) stop() {
	w.status.Store(WorkerStatusStopped)
	close(w.stopChan)
}

func (w *Worker) assignTask(task *Task) {
	select {
	case w.taskChan <- task:
	default:
		// taskChan 有缓冲，空闲工作者不应出现这种情况
		w.pool.logger.Warn(fmt.Sprintf("Failed to assign task to worker %s", w.id))
		task.finish(ErrQueueFull)
	}
}
