package pregen

import "time"

const quotaPeriod = time.Hour

// quotaWindow counts admissions inside a fixed hourly window.
type quotaWindow struct {
	count   int
	resetAt time.Time
}

func (w *quotaWindow) roll(now time.Time) {
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(quotaPeriod)
	}
}

// quotas holds the per-session, per-style, and global hourly caps.
// Callers hold the manager's mutex.
type quotas struct {
	sessionCap int
	styleCap   int
	globalCap  int

	sessions map[string]*quotaWindow
	styles   map[string]*quotaWindow
	global   quotaWindow
}

func newQuotas(sessionCap, styleCap, globalCap int) *quotas {
	return &quotas{
		sessionCap: sessionCap,
		styleCap:   styleCap,
		globalCap:  globalCap,
		sessions:   make(map[string]*quotaWindow),
		styles:     make(map[string]*quotaWindow),
	}
}

func (q *quotas) window(m map[string]*quotaWindow, key string) *quotaWindow {
	w := m[key]
	if w == nil {
		w = &quotaWindow{}
		m[key] = w
	}
	return w
}

// check reports whether count more admissions fit every applicable window.
// On denial the earliest reset time among the exceeded windows is returned.
func (q *quotas) check(sessionID string, styles []string, count int, now time.Time) (bool, time.Time) {
	q.global.roll(now)
	if q.globalCap > 0 && q.global.count+count > q.globalCap {
		return false, q.global.resetAt
	}

	sw := q.window(q.sessions, sessionID)
	sw.roll(now)
	if q.sessionCap > 0 && sw.count+count > q.sessionCap {
		return false, sw.resetAt
	}

	for _, s := range styles {
		st := q.window(q.styles, s)
		st.roll(now)
		if q.styleCap > 0 && st.count+count > q.styleCap {
			return false, st.resetAt
		}
	}
	return true, time.Time{}
}

// commit records count admissions against every applicable window.
func (q *quotas) commit(sessionID string, styles []string, count int, now time.Time) {
	q.global.roll(now)
	q.global.count += count

	sw := q.window(q.sessions, sessionID)
	sw.roll(now)
	sw.count += count

	for _, s := range styles {
		st := q.window(q.styles, s)
		st.roll(now)
		st.count += count
	}
}
