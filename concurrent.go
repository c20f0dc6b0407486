package strand

import (
	"sync"

	"github.com/google/uuid"
)

// ConnMap is a go-routine safe registry of live connections keyed by
// identity. Readers may run concurrently; writers (accept, disconnect) are
// exclusive.
type ConnMap struct {
	sync.RWMutex
	m map[uuid.UUID]*Conn
}

// NewConnMap returns a new ConnMap.
func NewConnMap() *ConnMap {
	return &ConnMap{
		m: make(map[uuid.UUID]*Conn),
	}
}

// Get returns the connection with identity k.
func (cm *ConnMap) Get(k uuid.UUID) (*Conn, bool) {
	cm.RLock()
	conn, ok := cm.m[k]
	cm.RUnlock()
	return conn, ok
}

// PutIfAbsent inserts atomically and reports whether the slot was free. A
// false return is an identity collision.
func (cm *ConnMap) PutIfAbsent(k uuid.UUID, v *Conn) bool {
	cm.Lock()
	defer cm.Unlock()
	if _, ok := cm.m[k]; ok {
		return false
	}
	cm.m[k] = v
	return true
}

// Remove removes the connection with identity k.
func (cm *ConnMap) Remove(k uuid.UUID) {
	cm.Lock()
	delete(cm.m, k)
	cm.Unlock()
}

// Values returns a snapshot of the live connections.
func (cm *ConnMap) Values() []*Conn {
	cm.RLock()
	conns := make([]*Conn, 0, len(cm.m))
	for _, c := range cm.m {
		conns = append(conns, c)
	}
	cm.RUnlock()
	return conns
}

// Size returns the number of live connections.
func (cm *ConnMap) Size() int {
	cm.RLock()
	size := len(cm.m)
	cm.RUnlock()
	return size
}

// IsEmpty reports whether the registry holds no connection.
func (cm *ConnMap) IsEmpty() bool {
	return cm.Size() <= 0
}

// Clear drops every entry.
func (cm *ConnMap) Clear() {
	cm.Lock()
	cm.m = make(map[uuid.UUID]*Conn)
	cm.Unlock()
}
