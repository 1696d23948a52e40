package task

import (
	"context"
	"sync"

	"qa-image-collector/src/configs"
	"qa-image-collector/src/core/utils"
)

// maxTrackedTasks bounds how many finished tasks stay queryable
const maxTrackedTasks = 200

// TaskManager manages async tasks and their execution
type TaskManager struct {
	baseCtx    context.Context
	registry   *TaskRegistry
	workerPool *WorkerPool

	mu    sync.RWMutex
	tasks map[string]*Task
	order []string
}

// NewTaskManager creates a new TaskManager instance. Tasks run under ctx,
// not under the context of the request that submitted them.
func NewTaskManager(ctx context.Context, config configs.TaskConfig, logger *utils.Logger) *TaskManager {
	registry := NewTaskRegistry()
	return &TaskManager{
		baseCtx:    ctx,
		registry:   registry,
		workerPool: NewWorkerPool(config, registry, logger),
		tasks:      make(map[string]*Task),
	}
}

// Register binds an executor to a task type
func (tm *TaskManager) Register(taskType TaskType, executor TaskExecutor) {
	tm.registry.Register(taskType, executor)
}

func (tm *TaskManager) Start() {
	tm.workerPool.Start()
}

func (tm *TaskManager) Stop() {
	tm.workerPool.Stop()
}

// Submit queues a new task and returns it for tracking
func (tm *TaskManager) Submit(taskType TaskType, params interface{}, pageID string, callback TaskCallback) (*Task, error) {
	task := NewTask(tm.baseCtx, taskType, params)
	task.PageID = pageID
	task.Callback = callback

	if err := tm.workerPool.Submit(task); err != nil {
		return nil, err
	}
	tm.track(task)
	return task, nil
}

func (tm *TaskManager) track(task *Task) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.tasks[task.ID] = task
	tm.order = append(tm.order, task.ID)

	// 超出上限时丢弃最早的已结束任务
	for len(tm.order) > maxTrackedTasks {
		pruned := false
		for i, id := range tm.order {
			status := tm.tasks[id].Status()
			if status == TaskStatusComplete || status == TaskStatusFailed {
				delete(tm.tasks, id)
				tm.order = append(tm.order[:i], tm.order[i+1:]...)
				pruned = true
				break
			}
		}
		if !pruned {
			return
		}
	}
}

// Get returns a snapshot of a tracked task
func (tm *TaskManager) Get(id string) (TaskInfo, bool) {
	tm.mu.RLock()
	task, ok := tm.tasks[id]
	tm.mu.RUnlock()
	if !ok {
		return TaskInfo{}, false
	}
	return task.Info(), true
}

// Stats 工作池状态
type Stats struct {
	Workers int `json:"workers"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
	Tracked int `json:"tracked"`
}

func (tm *TaskManager) Stats() Stats {
	tm.mu.RLock()
	tracked := len(tm.tasks)
	tm.mu.RUnlock()
	return Stats{
		Workers: len(tm.workerPool.workers),
		Busy:    tm.workerPool.Busy(),
		Queued:  tm.workerPool.Queued(),
		Tracked: tracked,
	}
}
