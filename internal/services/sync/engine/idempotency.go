package engine

import "github.com/louisbranch/tablesync/internal/services/sync/domain/session"

const defaultCommandRecords = 4000

// commandLog remembers the delta produced for recent client command ids,
// evicting the oldest entry once full. It is owned by one actor.
type commandLog struct {
	limit int
	byKey map[string]session.Delta
	order []string
}

func newCommandLog(limit int) *commandLog {
	if limit <= 0 {
		limit = defaultCommandRecords
	}
	return &commandLog{limit: limit, byKey: make(map[string]session.Delta)}
}

func commandKey(userID, commandID string) string {
	return userID + "\x00" + commandID
}

func (l *commandLog) get(key string) (session.Delta, bool) {
	d, ok := l.byKey[key]
	return d, ok
}

func (l *commandLog) put(key string, d session.Delta) {
	if _, ok := l.byKey[key]; ok {
		return
	}
	l.byKey[key] = d
	l.order = append(l.order, key)
	if len(l.order) > l.limit {
		evict := l.order[0]
		l.order = l.order[1:]
		delete(l.byKey, evict)
	}
}
