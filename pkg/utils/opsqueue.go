package utils

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/livekit/protocol/logger"
)

type OpsQueueParams struct {
	Name   string
	Logger logger.Logger
}

// OpsQueue runs queued operations one at a time, in enqueue order, on its own goroutine.
type OpsQueue struct {
	params OpsQueueParams

	lock      sync.Mutex
	ops       *deque.Deque[func()]
	wake      chan struct{}
	isStarted bool
	isStopped bool
	done      chan struct{}
}

func NewOpsQueue(params OpsQueueParams) *OpsQueue {
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	return &OpsQueue{
		params: params,
		ops:    deque.New[func()](),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (oq *OpsQueue) Start() {
	oq.lock.Lock()
	if oq.isStarted || oq.isStopped {
		oq.lock.Unlock()
		return
	}
	oq.isStarted = true
	oq.lock.Unlock()

	go oq.process()
}

// Stop discards pending operations. An operation already running completes.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}
	oq.isStopped = true
	oq.ops.Clear()
	started := oq.isStarted
	oq.lock.Unlock()

	if started {
		oq.signal()
	} else {
		close(oq.done)
	}
}

// Done is closed once the processing goroutine exits.
func (oq *OpsQueue) Done() <-chan struct{} {
	return oq.done
}

func (oq *OpsQueue) Enqueue(op func()) {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		oq.params.Logger.Debugw("dropping op on stopped queue", "name", oq.params.Name)
		return
	}
	oq.ops.PushBack(op)
	oq.lock.Unlock()

	oq.signal()
}

func (oq *OpsQueue) signal() {
	select {
	case oq.wake <- struct{}{}:
	default:
	}
}

func (oq *OpsQueue) process() {
	defer close(oq.done)

	for {
		oq.lock.Lock()
		for oq.ops.Len() == 0 && !oq.isStopped {
			oq.lock.Unlock()
			<-oq.wake
			oq.lock.Lock()
		}
		if oq.isStopped {
			oq.lock.Unlock()
			return
		}
		op := oq.ops.PopFront()
		oq.lock.Unlock()

		op()
	}
}
