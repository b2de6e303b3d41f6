// Package ingest moves validated client events into per-entity snapshot
// buffers.
//
// Server runs on the authoritative side and stamps events with the
// current server tick; Client runs on a peer and stamps them with the
// last tick the server confirmed. Admission failures stop here: they are
// logged, counted and the event is dropped.
package ingest

import (
	"log"

	"arena-sync/internal/entity"
	"arena-sync/internal/event"
	"arena-sync/internal/snapshot"
	"arena-sync/internal/telemetry"

	"golang.org/x/time/rate"
)

// Rejection reasons beyond the ones snapshot.Reason produces.
const (
	ReasonInvalid   = "invalid"
	ReasonRateLimit = "rate_limit"
	ReasonNoTarget  = "no_target"
)

// FromClient is an inbound event tagged with the peer that sent it.
type FromClient[E event.Event] struct {
	Client entity.ClientID
	Event  E
}

// Lookup returns every buffer owned by client. The server inserts into
// all of them.
type Lookup[E event.Event] func(client entity.ClientID) []*snapshot.Buffer[E]

// Report summarizes one Ingest call.
type Report struct {
	Accepted int
	Rejected int
	Reasons  map[string]int
}

func (r *Report) reject(reason string) {
	if r.Reasons == nil {
		r.Reasons = make(map[string]int)
	}
	r.Rejected++
	r.Reasons[reason]++
}

// RateConfig bounds how many events per second a single client may push
// into one event kind. EventsPerSecond <= 0 disables limiting.
type RateConfig struct {
	EventsPerSecond float64
	Burst           int
}

// Server ingests events arriving from many peers.
type Server[E event.Event] struct {
	kind     event.Kind
	rate     RateConfig
	limiters map[entity.ClientID]*rate.Limiter
}

// NewServer creates a server-side pipeline for one event kind.
func NewServer[E event.Event](kind event.Kind, cfg RateConfig) *Server[E] {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Server[E]{
		kind:     kind,
		rate:     cfg,
		limiters: make(map[entity.ClientID]*rate.Limiter),
	}
}

// Ingest validates each event and inserts it into the sender's buffers
// at tick.
func (s *Server[E]) Ingest(tick uint32, events []FromClient[E], lookup Lookup[E]) Report {
	var rep Report
	for _, in := range events {
		if err := in.Event.Validate(); err != nil {
			log.Printf("⚠️ %s from %v discarding: %v", s.kind, in.Client, err)
			s.reject(&rep, ReasonInvalid)
			continue
		}

		if !s.allow(in.Client) {
			s.reject(&rep, ReasonRateLimit)
			continue
		}

		targets := lookup(in.Client)
		if len(targets) == 0 {
			log.Printf("⚠️ %s from %v discarding: no owned entity", s.kind, in.Client)
			s.reject(&rep, ReasonNoTarget)
			continue
		}

		for _, buf := range targets {
			if err := buf.Insert(in.Event, tick); err != nil {
				log.Printf("⚠️ %s from %v discarding: %v", s.kind, in.Client, err)
				s.reject(&rep, snapshot.Reason(err))
				continue
			}
			rep.Accepted++
			telemetry.IngestAccepted.WithLabelValues(string(s.kind)).Inc()
		}
	}
	return rep
}

// Forget releases per-client state after a disconnect.
func (s *Server[E]) Forget(client entity.ClientID) {
	delete(s.limiters, client)
}

func (s *Server[E]) allow(client entity.ClientID) bool {
	if s.rate.EventsPerSecond <= 0 {
		return true
	}
	l, ok := s.limiters[client]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.rate.EventsPerSecond), s.rate.Burst)
		s.limiters[client] = l
	}
	return l.Allow()
}

func (s *Server[E]) reject(rep *Report, reason string) {
	rep.reject(reason)
	telemetry.IngestRejected.WithLabelValues(string(s.kind), reason).Inc()
}

// Client ingests events produced (or replayed) locally on a peer.
type Client[E event.Event] struct {
	kind event.Kind
}

// NewClient creates a client-side pipeline for one event kind.
func NewClient[E event.Event](kind event.Kind) *Client[E] {
	return &Client[E]{kind: kind}
}

// Ingest validates each event and inserts it into every buffer at the
// last server-confirmed tick.
func (c *Client[E]) Ingest(confirmedTick uint32, events []E, buffers []*snapshot.Buffer[E]) Report {
	var rep Report
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			log.Printf("⚠️ local %s discarding: %v", c.kind, err)
			rep.reject(ReasonInvalid)
			continue
		}
		for _, buf := range buffers {
			if err := buf.Insert(ev, confirmedTick); err != nil {
				log.Printf("⚠️ local %s discarding: %v", c.kind, err)
				rep.reject(snapshot.Reason(err))
				continue
			}
			rep.Accepted++
		}
	}
	return rep
}
