package shadow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/raskyld/mqrpc/pkg/loopback"
)

// Simulator is an in-memory shadow service answering the requests
// published on a [loopback.Broker].
//
// It keeps one document per shadow, bumps its version on every update and
// publishes the `update/documents` and `update/delta` events the way the
// real service does.
type Simulator struct {
	logger *slog.Logger
	now    func() time.Time

	lk   sync.Mutex
	docs map[string]*document
}

type document struct {
	desired  map[string]any
	reported map[string]any
	version  int64
}

func NewSimulator(logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		logger: logger,
		now:    time.Now,
		docs:   make(map[string]*document),
	}
}

// Register answers the requests of a shadow of `thing`. An empty
// `shadowName` designates the classic shadow.
func (s *Simulator) Register(b *loopback.Broker, thing, shadowName string) error {
	r := ref{thing: thing, shadow: shadowName, named: shadowName != ""}
	prefix, err := r.topic("")
	if err != nil {
		return err
	}
	prefix = prefix[:len(prefix)-1]

	b.Handle(prefix+"/get", s.get(prefix))
	b.Handle(prefix+"/update", s.update(prefix))
	b.Handle(prefix+"/delete", s.delete(prefix))
	return nil
}

// Version returns the version of a document, 0 when it does not exist.
func (s *Simulator) Version(thing, shadowName string) int64 {
	r := ref{thing: thing, shadow: shadowName, named: shadowName != ""}
	prefix, err := r.topic("")
	if err != nil {
		return 0
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	if doc, ok := s.docs[prefix[:len(prefix)-1]]; ok {
		return doc.version
	}
	return 0
}

type request struct {
	ClientToken string       `json:"clientToken,omitempty"`
	State       *ShadowState `json:"state,omitempty"`
	Version     int64        `json:"version,omitempty"`
}

func (s *Simulator) get(prefix string) loopback.Responder {
	return func(_ string, payload []byte) []loopback.Message {
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			return s.reject(prefix+"/get", "", 400, "Payload contains invalid json")
		}

		s.lk.Lock()
		defer s.lk.Unlock()
		doc, ok := s.docs[prefix]
		if !ok {
			return s.reject(prefix+"/get", req.ClientToken, 404, fmt.Sprintf("No shadow exists with name: %q", prefix))
		}

		return []loopback.Message{
			s.message(prefix+"/get/accepted", GetShadowResponse{
				ClientToken: req.ClientToken,
				State: &ShadowStateWithDelta{
					Desired:  clone(doc.desired),
					Reported: clone(doc.reported),
					Delta:    delta(doc.desired, doc.reported),
				},
				Timestamp: s.now().Unix(),
				Version:   doc.version,
			}),
		}
	}
}

func (s *Simulator) update(prefix string) loopback.Responder {
	return func(_ string, payload []byte) []loopback.Message {
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			return s.reject(prefix+"/update", "", 400, "Payload contains invalid json")
		}
		if req.State == nil {
			return s.reject(prefix+"/update", req.ClientToken, 400, "Missing required node: state")
		}

		s.lk.Lock()
		defer s.lk.Unlock()
		doc, existed := s.docs[prefix]
		if !existed {
			doc = &document{}
		}
		if req.Version != 0 && req.Version != doc.version {
			return s.reject(prefix+"/update", req.ClientToken, 409, "Version conflict")
		}

		previous := doc.snapshot()
		doc.desired = merge(doc.desired, req.State.Desired)
		doc.reported = merge(doc.reported, req.State.Reported)
		doc.version++
		s.docs[prefix] = doc
		ts := s.now().Unix()
		s.logger.Debug("shadow updated", "shadow", prefix, "version", doc.version)

		event := ShadowUpdatedEvent{Current: doc.snapshot(), Timestamp: ts}
		if existed {
			event.Previous = previous
		}
		msgs := []loopback.Message{
			s.message(prefix+"/update/accepted", UpdateShadowResponse{
				ClientToken: req.ClientToken,
				State:       req.State,
				Timestamp:   ts,
				Version:     doc.version,
			}),
			s.message(prefix+"/update/documents", event),
		}
		if d := delta(doc.desired, doc.reported); len(d) > 0 {
			msgs = append(msgs, s.message(prefix+"/update/delta", ShadowDeltaUpdatedEvent{
				ClientToken: req.ClientToken,
				State:       d,
				Timestamp:   ts,
				Version:     doc.version,
			}))
		}
		return msgs
	}
}

func (s *Simulator) delete(prefix string) loopback.Responder {
	return func(_ string, payload []byte) []loopback.Message {
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			return s.reject(prefix+"/delete", "", 400, "Payload contains invalid json")
		}

		s.lk.Lock()
		defer s.lk.Unlock()
		doc, ok := s.docs[prefix]
		if !ok {
			return s.reject(prefix+"/delete", req.ClientToken, 404, fmt.Sprintf("No shadow exists with name: %q", prefix))
		}
		delete(s.docs, prefix)

		return []loopback.Message{
			s.message(prefix+"/delete/accepted", DeleteShadowResponse{
				ClientToken: req.ClientToken,
				Timestamp:   s.now().Unix(),
				Version:     doc.version,
			}),
		}
	}
}

func (s *Simulator) reject(op, token string, code int, msg string) []loopback.Message {
	return []loopback.Message{
		s.message(op+"/rejected", ErrorResponse{
			ClientToken: token,
			Code:        code,
			Message:     msg,
			Timestamp:   s.now().Unix(),
		}),
	}
}

func (s *Simulator) message(topic string, v any) loopback.Message {
	payload, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("could not encode response", "topic", topic, "error", err)
	}
	return loopback.Message{Topic: topic, Payload: payload}
}

func (d *document) snapshot() *ShadowUpdatedSnapshot {
	return &ShadowUpdatedSnapshot{
		State: &ShadowState{
			Desired:  clone(d.desired),
			Reported: clone(d.reported),
		},
		Version: d.version,
	}
}

// merge applies `patch` onto `dst`: nested objects are merged and null
// values delete their key.
func merge(dst, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		sub, isObj := v.(map[string]any)
		cur, wasObj := dst[k].(map[string]any)
		if isObj && wasObj {
			dst[k] = merge(cur, sub)
			continue
		}
		if isObj {
			dst[k] = merge(nil, sub)
			continue
		}
		dst[k] = v
	}
	if len(dst) == 0 {
		return nil
	}
	return dst
}

// delta returns the desired keys whose value differs from the reported one.
func delta(desired, reported map[string]any) map[string]any {
	var out map[string]any
	for k, want := range desired {
		got, ok := reported[k]
		wantObj, isObj := want.(map[string]any)
		gotObj, wasObj := got.(map[string]any)

		var diff any
		switch {
		case isObj && wasObj:
			if sub := delta(wantObj, gotObj); len(sub) > 0 {
				diff = sub
			}
		case !ok || !reflect.DeepEqual(want, got):
			diff = want
		}
		if diff == nil {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = diff
	}
	return out
}

func clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			v = clone(sub)
		}
		out[k] = v
	}
	return out
}
