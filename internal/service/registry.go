package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"trackersync/internal/model"
)

// session 一个正在运行的同步
type session struct {
	operationID uuid.UUID
	cancel      context.CancelFunc

	// unsaved 终态写库失败的操作；会话保留，项目继续被占用
	unsaved *model.SyncOperation
	saveErr error
}

// registry 项目 ID -> 运行中的会话，保证每个项目同时最多一个会话。
// wg 统计已获取但尚未 done 的运行 goroutine，只在 mu 下 Add。
type registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	closed   bool
	wg       sync.WaitGroup
}

func newRegistry() *registry {
	return &registry{sessions: make(map[uuid.UUID]*session)}
}

// tryAcquire reserves the project and counts one run in wg. The operation id is attached
// once the operation is persisted. Fails with ErrShuttingDown after close.
func (r *registry) tryAcquire(projectID uuid.UUID, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrShuttingDown
	}
	if _, busy := r.sessions[projectID]; busy {
		return model.ErrAlreadyInProgress
	}
	r.sessions[projectID] = &session{cancel: cancel}
	r.wg.Add(1)
	return nil
}

// done 对应一次成功的 tryAcquire
func (r *registry) done() {
	r.wg.Done()
}

func (r *registry) attach(projectID, operationID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[projectID]; ok {
		s.operationID = operationID
	}
}

func (r *registry) release(projectID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, projectID)
}

// park keeps the session registered with a terminal state that could not be saved.
func (r *registry) park(projectID uuid.UUID, op *model.SyncOperation, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[projectID]; ok {
		s.unsaved = op
		s.saveErr = err
	}
}

// parked 返回未落库的终态和最后一次写库错误；没有时 op 为 nil
func (r *registry) parked(projectID uuid.UUID) (op *model.SyncOperation, saveErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[projectID]
	if !ok {
		return nil, nil
	}
	return s.unsaved, s.saveErr
}

// unpark 终态补写成功后释放；只释放仍停在同一操作上的会话
func (r *registry) unpark(projectID, operationID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[projectID]
	if !ok || s.unsaved == nil || s.unsaved.ID != operationID {
		return false
	}
	delete(r.sessions, projectID)
	return true
}

func (r *registry) cancel(projectID uuid.UUID) bool {
	r.mu.Lock()
	s, ok := r.sessions[projectID]
	r.mu.Unlock()
	if !ok || s.unsaved != nil {
		return false
	}
	s.cancel()
	return true
}

// close rejects further acquisitions and cancels every running session.
func (r *registry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, s := range r.sessions {
		s.cancel()
	}
}

// wait 与新的 tryAcquire 并发时，调用方需先 close
func (r *registry) wait() {
	r.wg.Wait()
}

func (r *registry) has(projectID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[projectID]
	return ok
}

func (r *registry) operationID(projectID uuid.UUID) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[projectID]
	if !ok || s.operationID == uuid.Nil {
		return uuid.Nil, false
	}
	return s.operationID, true
}

// running 所有运行中操作的 ID
func (r *registry) running() map[uuid.UUID]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]bool, len(r.sessions))
	for _, s := range r.sessions {
		if s.operationID != uuid.Nil {
			out[s.operationID] = true
		}
	}
	return out
}
