package scheduler

import (
	"time"

	"forex-session-lab/internal/domain"
	"forex-session-lab/internal/lifecycle"
)

// Status is a point-in-time snapshot of the scheduler for the API layer.
type Status struct {
	NextSession  string    `json:"next_session"`
	NextOpen     time.Time `json:"next_open"`
	ActiveFlag   bool      `json:"active"`
	ActiveID     string    `json:"active_instance,omitempty"`
	ActiveClose  time.Time `json:"active_close,omitempty"`
	Degraded     bool      `json:"degraded"`
	OpenTrades   int       `json:"open_trades"`
	OpenTradeIDs []string  `json:"open_trade_ids,omitempty"`
}

// Status reports the next session, the active instance if any, and its open
// trades.
func (s *Scheduler) Status() Status {
	var st Status

	if next, err := NextInstance(s.sessions, s.now()); err == nil {
		st.NextSession = next.Session
		st.NextOpen = next.Open
	}

	s.mu.Lock()
	active := s.active
	var lifecycles []*lifecycle.Lifecycle
	var instance domain.SessionInstance
	if active != nil {
		lifecycles = append(lifecycles, active.lifecycles...)
		instance = active.instance
	}
	s.mu.Unlock()
	if active == nil {
		return st
	}

	st.ActiveFlag = true
	st.ActiveID = instance.InstanceID()
	st.ActiveClose = instance.Close()
	st.Degraded = instance.Degraded
	for _, lc := range lifecycles {
		t := lc.Trade()
		if t != nil && !t.State.Terminal() {
			st.OpenTrades++
			st.OpenTradeIDs = append(st.OpenTradeIDs, t.TradeID)
		}
	}
	return st
}
