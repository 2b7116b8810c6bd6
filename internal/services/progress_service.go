// internal/services/progress_service.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Corphon/AIShowrunner/internal/models"
)

// 任务状态
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// ProgressUpdate 表示进度更新
type ProgressUpdate struct {
	TaskID    string            `json:"taskId"`
	Progress  int               `json:"progress"` // 进度百分比 (0-100)
	Message   string            `json:"message"`
	Status    string            `json:"status"`
	Stage     models.Stage      `json:"stage,omitempty"`
	State     models.StageState `json:"state,omitempty"`
	Completed int               `json:"completed"`
	Total     int               `json:"total"`
}

// Final 终态更新之后不会再有消息
func (u ProgressUpdate) Final() bool {
	return u.Status != TaskRunning
}

// ProgressTracker 跟踪一次后台流水线运行
type ProgressTracker struct {
	TaskID     string
	Progress   int
	Message    string
	Status     string
	Completed  int
	Total      int
	StartTime  time.Time
	UpdateTime time.Time

	subscribers map[chan ProgressUpdate]bool
	done        chan struct{}
	doneOnce    sync.Once
	cancel      context.CancelFunc
	run         *models.PipelineRun
	err         error
	mutex       sync.Mutex
}

// ProgressService 管理所有进度跟踪器
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.RWMutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// CreateTracker 创建新的进度跟踪器，已存在时返回现有的
func (s *ProgressService) CreateTracker(taskID string, total int) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if tracker, exists := s.trackers[taskID]; exists {
		return tracker
	}

	now := time.Now()
	tracker := &ProgressTracker{
		TaskID:      taskID,
		Message:     "queued",
		Status:      TaskRunning,
		Total:       total,
		StartTime:   now,
		UpdateTime:  now,
		subscribers: make(map[chan ProgressUpdate]bool),
		done:        make(chan struct{}),
	}
	s.trackers[taskID] = tracker
	return tracker
}

// GetTracker 获取进度跟踪器
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

// Cancel 取消运行中的任务
func (s *ProgressService) Cancel(taskID string) bool {
	tracker, exists := s.GetTracker(taskID)
	if !exists {
		return false
	}
	return tracker.Cancel()
}

// SetCancel 保存取消函数
func (t *ProgressTracker) SetCancel(cancel context.CancelFunc) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.cancel = cancel
}

// Cancel 请求取消，任务已结束时返回 false
func (t *ProgressTracker) Cancel() bool {
	t.mutex.Lock()
	cancel := t.cancel
	running := t.Status == TaskRunning
	if running {
		t.Message = "cancellation requested"
	}
	t.mutex.Unlock()

	if !running || cancel == nil {
		return false
	}
	cancel()
	return true
}

// StageFinished 流水线进度回调
func (t *ProgressTracker) StageFinished(progress models.PipelineProgress, result models.GenerationResult) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if progress.Percent > t.Progress {
		t.Progress = progress.Percent
	}
	t.Completed = progress.Completed
	t.Total = progress.Total
	t.Message = fmt.Sprintf("%s %s (%d/%d)", result.Stage.DisplayName(), result.State, progress.Completed, progress.Total)
	t.UpdateTime = time.Now()

	update := t.snapshotLocked()
	update.Stage = result.Stage
	update.State = result.State
	t.broadcastLocked(update)
}

// Finish 记录最终结果；取消的运行标记为 cancelled
func (t *ProgressTracker) Finish(run *models.PipelineRun) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.run = run
	t.Status = TaskCompleted
	t.Message = fmt.Sprintf("%d succeeded, %d failed", len(run.Succeeded()), len(run.Failed()))
	if run.Cancelled {
		t.Status = TaskCancelled
		t.Message = fmt.Sprintf("cancelled: %d succeeded, %d failed, %d pending", len(run.Succeeded()), len(run.Failed()), len(run.Pending()))
	} else {
		t.Progress = 100
	}
	t.UpdateTime = time.Now()

	t.broadcastLocked(t.snapshotLocked())
	t.closeLocked()
}

// Fail 标记任务失败
func (t *ProgressTracker) Fail(err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.err = err
	t.Status = TaskFailed
	t.Message = fmt.Sprintf("failed: %v", err)
	t.UpdateTime = time.Now()

	t.broadcastLocked(t.snapshotLocked())
	t.closeLocked()
}

// Snapshot 当前状态
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshotLocked()
}

// Result 结束后的运行结果，运行中返回 nil
func (t *ProgressTracker) Result() (*models.PipelineRun, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.run, t.err
}

// Done 任务结束时关闭
func (t *ProgressTracker) Done() <-chan struct{} {
	return t.done
}

// Subscribe 订阅进度更新，立即收到当前状态
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	// 缓冲区设为 16，慢订阅者丢弃中间更新
	subscriber := make(chan ProgressUpdate, 16)
	subscriber <- t.snapshotLocked()
	if t.Status != TaskRunning {
		close(subscriber)
		return subscriber
	}
	t.subscribers[subscriber] = true
	return subscriber
}

// Unsubscribe 取消订阅
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.subscribers[subscriber] {
		delete(t.subscribers, subscriber)
		close(subscriber)
	}
}

func (t *ProgressTracker) snapshotLocked() ProgressUpdate {
	return ProgressUpdate{
		TaskID:    t.TaskID,
		Progress:  t.Progress,
		Message:   t.Message,
		Status:    t.Status,
		Completed: t.Completed,
		Total:     t.Total,
	}
}

func (t *ProgressTracker) broadcastLocked(update ProgressUpdate) {
	for subscriber := range t.subscribers {
		// 非阻塞发送，如果通道已满则跳过
		select {
		case subscriber <- update:
		default:
		}
	}
}

// closeLocked 关闭所有订阅通道和 done
func (t *ProgressTracker) closeLocked() {
	for subscriber := range t.subscribers {
		close(subscriber)
	}
	t.subscribers = make(map[chan ProgressUpdate]bool)
	t.doneOnce.Do(func() { close(t.done) })
}

// CleanupCompletedTasks 清理已结束且超过 maxAge 的任务
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		finished := tracker.Status != TaskRunning
		isOld := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if finished && isOld {
			delete(s.trackers, id)
			removed++
		}
	}
	return removed
}

// StartCleanup 定期清理，ctx 结束时退出
func (s *ProgressService) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CleanupCompletedTasks(maxAge)
			}
		}
	}()
}
