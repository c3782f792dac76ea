// Package transport provides concrete upgrade.Transport implementations:
// a serial-port transport, an SSH-tunnelled transport, and an in-memory
// simulated transport for tests.
package transport

import (
	"sync"

	"github.com/jhaynes/fuo/pkg/upgrade"
)

// observerSet is embedded by every concrete transport so AddObserver/
// RemoveObserver/notify behave identically across them.
type observerSet struct {
	mu        sync.Mutex
	observers []upgrade.Observer
}

func (o *observerSet) AddObserver(obs upgrade.Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

func (o *observerSet) RemoveObserver(obs upgrade.Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, existing := range o.observers {
		if existing == obs {
			o.observers = append(o.observers[:i], o.observers[i+1:]...)
			return
		}
	}
}

func (o *observerSet) notify(state upgrade.ConnectionState) {
	o.mu.Lock()
	snapshot := make([]upgrade.Observer, len(o.observers))
	copy(snapshot, o.observers)
	o.mu.Unlock()

	for _, obs := range snapshot {
		obs.DidChangeStateTo(state)
	}
}
