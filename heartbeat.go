package knxnet

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// heartbeatMonitor is the single actor that probes channel liveness once
// a connection has reached OK. It has its own lock and condition
// variable, distinct from the connection's, so that the edge-triggered
// signal from an arriving CONNECTIONSTATE_RES can never be delivered
// before the probe's wait begins: probe holds the lock across both the
// send and the wait, exactly as onResponse must acquire the same lock to
// signal.
type heartbeatMonitor struct {
	conn *Connection

	mu        sync.Mutex
	cond      *sync.Cond
	waiting   bool
	responded bool
	lastStatus Status

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newHeartbeatMonitor(c *Connection) *heartbeatMonitor {
	h := &heartbeatMonitor{
		conn: c,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// run is the actor's loop: sleep the interval, then probe up to
// HeartbeatMaxFailures times, resetting on the first success. Exhausting
// every attempt in a cycle closes the connection.
func (h *heartbeatMonitor) run() {
	defer close(h.done)
	for {
		select {
		case <-h.stop:
			return
		case <-time.After(HeartbeatInterval):
		}

		ok := false
		for attempt := 1; attempt <= HeartbeatMaxFailures; attempt++ {
			select {
			case <-h.stop:
				return
			default:
			}
			if h.probe() {
				ok = true
				break
			}
		}
		if !ok {
			log.Warn().Stringer("id", h.conn.id).Msg("heartbeat exhausted after 4 consecutive failed probes")
			h.conn.cleanupFromHeartbeat("no heartbeat response")
			return
		}
	}
}

// probe sends one connection-state request and waits, under h's lock,
// for onResponse to signal or for the per-probe timeout to elapse. A
// response reporting a non-zero status is logged but does not count as
// success.
func (h *heartbeatMonitor) probe() bool {
	h.mu.Lock()
	h.waiting = true
	h.responded = false

	c := h.conn
	c.mu.Lock()
	channel := c.channelID
	ctrlHPAI := c.localControlHPAI
	ctrl := c.controlEndpoint
	c.mu.Unlock()

	frame := EncodeConnectionstateRequest(channel, ctrlHPAI)
	if err := c.transport.Send(frame, ctrl); err != nil {
		h.waiting = false
		h.mu.Unlock()
		log.Warn().Err(err).Msg("heartbeat probe send failed")
		return false
	}

	timer := time.AfterFunc(HeartbeatProbeTimeout, func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(HeartbeatProbeTimeout)
	for !h.responded && !h.stopRequested() && time.Now().Before(deadline) {
		h.cond.Wait()
	}

	success := h.responded && h.lastStatus == StatusNoError
	if h.responded && h.lastStatus != StatusNoError {
		log.Warn().Stringer("status", h.lastStatus).Msg("connectionstate response reported non-zero status")
	}
	h.waiting = false
	h.mu.Unlock()
	return success
}

// stopRequested reports whether requestStop has been called, without
// blocking. Callers must hold h.mu.
func (h *heartbeatMonitor) stopRequested() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

// onResponse is called from the receiver path when a CONNECTIONSTATE_RES
// arrives for this connection. Signalling is edge-triggered: a response
// that arrives while probe is not waiting is dropped, and the current
// probe cycle must time out on its own.
func (h *heartbeatMonitor) onResponse(status Status) {
	h.mu.Lock()
	if !h.waiting {
		h.mu.Unlock()
		log.Debug().Msg("heartbeat response arrived while not waiting, dropped")
		return
	}
	h.lastStatus = status
	h.responded = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

// requestStop asks the actor to exit before its next sleep or probe
// completes, without blocking for it to do so. Use quit to also join.
// Broadcasting cond wakes a probe blocked mid-wait so it can observe
// stop and return promptly instead of riding out its full timeout.
func (h *heartbeatMonitor) requestStop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
}

// quit stops the actor and blocks until its goroutine has exited. It is
// idempotent; calling it from the actor's own goroutine would deadlock,
// so cleanup reached from inside run (cleanupFromHeartbeat) neither stops
// nor joins the actor and lets run's own return close done.
func (h *heartbeatMonitor) quit() {
	h.requestStop()
	<-h.done
}
