package worker

import "mentorchat/internal/models"

type JobType int

const (
	Stream JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Stream:
		return "stream"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

type Job struct {
	Type       JobType
	StreamTask *streamTask
}

type streamTask struct {
	req      StreamRequest
	resultCh chan workerReturn
}

type workerReturn struct {
	userMessage *models.Message
	reply       *models.Message
	title       string
	err         error
}

// Worker runs jobs handed to it by the dispatcher until it receives Stop.
type Worker struct {
	id         int
	manager    *Manager
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, manager *Manager) *Worker {
	return &Worker{
		id:         id,
		manager:    manager,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			switch job.Type {
			case Stop:
				w.pool.retire(w.jobChannel)
				return
			case Stream:
				w.manager.handleStream(job.StreamTask)
			}
		}
	}()
}
