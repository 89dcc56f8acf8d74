package webchat

import (
	"sync"
	"time"
)

// DefaultPingInterval is how often an open connection is pinged.
const DefaultPingInterval = 30 * time.Second

// KeepAlive calls ping on a fixed interval until stopped. Stop does not wait
// for an in-flight ping, so ping must tolerate running after Stop.
type KeepAlive struct {
	interval time.Duration
	ping     func()
	stop     chan struct{}
	once     sync.Once
}

func newKeepAlive(interval time.Duration, ping func()) *KeepAlive {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	return &KeepAlive{
		interval: interval,
		ping:     ping,
		stop:     make(chan struct{}),
	}
}

// Start launches the ticker goroutine.
func (k *KeepAlive) Start() {
	go func() {
		t := time.NewTicker(k.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				k.ping()
			case <-k.stop:
				return
			}
		}
	}()
}

// Stop ends the ticker. It is safe to call more than once.
func (k *KeepAlive) Stop() {
	k.once.Do(func() { close(k.stop) })
}
