package monitor

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

const notifyBuffer = 64

type alert struct {
	title   string
	message string
}

// Notifier fans alerts out to its sinks from a single worker. Alert never
// blocks: when the queue is full the alert is counted and dropped, the
// trading path always comes first.
type Notifier struct {
	prefix  string
	sinks   []AlertSink
	queue   chan alert
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewNotifier starts the delivery worker. Messages are prefixed with a
// stable per-host instance id so alerts from different deployments sharing
// one chat stay tellable apart.
func NewNotifier(sinks ...AlertSink) *Notifier {
	n := &Notifier{
		prefix: instanceID(),
		sinks:  sinks,
		queue:  make(chan alert, notifyBuffer),
		done:   make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

// instanceID hashes the machine id with the app name so raw hardware ids
// never leave the host. Falls back to the hostname.
func instanceID() string {
	if id, err := machineid.ProtectedID("exec-engine"); err == nil && len(id) >= 8 {
		return id[:8]
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}

// Alert queues one alert for delivery.
func (n *Notifier) Alert(title, message string) {
	select {
	case n.queue <- alert{title: title, message: message}:
	default:
		n.dropped.Add(1)
	}
}

// Dropped reports how many alerts were shed on a full queue.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case a := <-n.queue:
			n.deliver(a)
		case <-n.done:
			for {
				select {
				case a := <-n.queue:
					n.deliver(a)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(a alert) {
	msg := "[" + n.prefix + "] " + a.title + ": " + a.message
	for _, s := range n.sinks {
		if err := s.Send(msg); err != nil {
			log.Warn().Err(err).Str("title", a.title).Msg("alert delivery failed")
		}
	}
}

// Close drains the queue and stops the worker.
func (n *Notifier) Close() {
	close(n.done)
	n.wg.Wait()
}
