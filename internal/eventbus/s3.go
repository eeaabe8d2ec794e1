package eventbus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ontolog/ontolog/internal/canonicaljson"
	"github.com/ontolog/ontolog/internal/objstore"
	"github.com/ontolog/ontolog/internal/onterr"
)

// S3Store persists events as one object per record and coordinates claims
// with per-object conditional writes. A claim conflict (precondition
// failure) simply skips the candidate; the winning session holds the claim.
type S3Store struct {
	obj    objstore.Store
	prefix string
	cfg    Config
}

// NewS3Store wraps an object store rooted at prefix.
func NewS3Store(obj objstore.Store, prefix string, cfg Config) *S3Store {
	cfg.withDefaults()
	return &S3Store{obj: obj, prefix: prefix, cfg: cfg}
}

func (s *S3Store) key(rel string) string {
	if s.prefix == "" {
		return rel
	}
	return s.prefix + "/" + rel
}

func (s *S3Store) eventKey(namespace, eventID string, createdAt time.Time) string {
	ts := strings.ReplaceAll(createdAt.UTC().Format(time.RFC3339Nano), ":", "-")
	return s.key(fmt.Sprintf("events/%s/%s_%s.json", namespace, ts, eventID))
}

func (s *S3Store) claimKey(namespace, eventID, handlerID string) string {
	return s.key(fmt.Sprintf("claims/%s/%s/%s.json", namespace, eventID, handlerID))
}

func (s *S3Store) deadKey(namespace, eventID, handlerID string) string {
	return s.key(fmt.Sprintf("dead_letters/%s/%s/%s.json", namespace, eventID, handlerID))
}

func (s *S3Store) sessionKey(namespace, sessionID string) string {
	return s.key(fmt.Sprintf("sessions/%s/%s.json", namespace, sessionID))
}

func ctxBg() context.Context { return context.Background() }

func (s *S3Store) getJSON(key string) (map[string]any, string, error) {
	obj, err := s.obj.Get(ctxBg(), key)
	if err != nil {
		if err == objstore.ErrNotFound {
			return nil, "", nil
		}
		return nil, "", onterr.Wrap(onterr.KindStorageIO, "event_get", err)
	}
	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(obj.Body))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, "", onterr.Wrap(onterr.KindStorageIO, "event_get", err)
	}
	return out, obj.ETag, nil
}

func (s *S3Store) putJSON(key string, doc map[string]any, cond objstore.PutCond) error {
	body, err := canonicaljson.Marshal(doc)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "event_put", err)
	}
	if _, err := s.obj.Put(ctxBg(), key, body, "application/json", cond); err != nil {
		if err == objstore.ErrPreconditionFailed {
			return err
		}
		return onterr.Wrap(onterr.KindStorageIO, "event_put", err)
	}
	return nil
}

func envelopeDoc(env Envelope, namespace string) map[string]any {
	return map[string]any{
		"id":            env.ID,
		"namespace":     namespace,
		"type":          env.Type,
		"payload":       env.Payload,
		"created_at":    env.CreatedAt.UTC().Format(time.RFC3339Nano),
		"priority":      env.Priority,
		"root_event_id": env.RootEventID,
		"chain_depth":   env.ChainDepth,
	}
}

func docEnvelope(doc map[string]any) Envelope {
	env := Envelope{
		ID:          str(doc["id"]),
		Type:        str(doc["type"]),
		Priority:    num(doc["priority"]),
		RootEventID: str(doc["root_event_id"]),
		ChainDepth:  num(doc["chain_depth"]),
	}
	if p, ok := doc["payload"].(map[string]any); ok {
		env.Payload = p
	}
	if ts, err := parseISO(str(doc["created_at"])); err == nil {
		env.CreatedAt = ts
	}
	if env.Priority == 0 {
		env.Priority = DefaultPriority
	}
	if env.RootEventID == "" {
		env.RootEventID = env.ID
	}
	return env
}

func str(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func num(v any) int {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

// Enqueue persists one event object.
func (s *S3Store) Enqueue(env Envelope, namespace string) error {
	env.Stamp(s.cfg.now())
	if env.Priority == 0 {
		env.Priority = DefaultPriority
	}
	return s.putJSON(s.eventKey(namespace, env.ID, env.CreatedAt), envelopeDoc(env, namespace), objstore.PutCond{})
}

// Claim lists candidates in order and takes claims via per-object CAS,
// skipping conflicts.
func (s *S3Store) Claim(namespace, handlerID, sessionID string, eventTypes []string, limit int, lease time.Duration) ([]ClaimedEvent, error) {
	if limit <= 0 || len(eventTypes) == 0 {
		return nil, nil
	}
	typeSet := map[string]bool{}
	for _, t := range eventTypes {
		typeSet[t] = true
	}

	keys, err := s.obj.List(ctxBg(), s.key("events/"+namespace+"/"))
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "claim", err)
	}

	var candidates []Envelope
	for _, key := range keys {
		doc, _, err := s.getJSON(key)
		if err != nil {
			return nil, err
		}
		if doc == nil || !typeSet[str(doc["type"])] {
			continue
		}
		candidates = append(candidates, docEnvelope(doc))
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	now := s.cfg.now()
	nowStr := now.Format(time.RFC3339Nano)
	leaseUntil := now.Add(lease)

	var out []ClaimedEvent
	for _, cand := range candidates {
		if len(out) >= limit {
			break
		}
		claimKey := s.claimKey(namespace, cand.ID, handlerID)
		claim, etag, err := s.getJSON(claimKey)
		if err != nil {
			return nil, err
		}

		write := map[string]any{
			"event_id":         cand.ID,
			"handler_id":       handlerID,
			"session_id":       sessionID,
			"claimed_at":       nowStr,
			"lease_until":      leaseUntil.Format(time.RFC3339Nano),
			"ack_at":           nil,
			"attempts":         0,
			"available_at":     nowStr,
			"last_error":       nil,
			"dead_lettered_at": nil,
		}

		if claim == nil {
			if err := s.putJSON(claimKey, write, objstore.PutCond{IfNoneMatch: "*"}); err != nil {
				if err == objstore.ErrPreconditionFailed {
					continue
				}
				return nil, err
			}
		} else {
			if claim["ack_at"] != nil || claim["dead_lettered_at"] != nil {
				continue
			}
			leaseOld, _ := parseISO(str(claim["lease_until"]))
			availOld, _ := parseISO(str(claim["available_at"]))
			if now.Before(leaseOld) || now.Before(availOld) {
				continue
			}
			if etag == "" {
				continue
			}
			write["attempts"] = num(claim["attempts"])
			write["available_at"] = str(claim["available_at"])
			if err := s.putJSON(claimKey, write, objstore.PutCond{IfMatch: etag}); err != nil {
				if err == objstore.ErrPreconditionFailed {
					continue
				}
				return nil, err
			}
		}
		out = append(out, ClaimedEvent{Event: cand, LeaseUntil: leaseUntil})
	}
	return out, nil
}

// Ack marks the claim terminal-success via CAS.
func (s *S3Store) Ack(handlerID, eventID, namespace string) error {
	claimKey := s.claimKey(namespace, eventID, handlerID)
	claim, etag, err := s.getJSON(claimKey)
	if err != nil || claim == nil || etag == "" {
		return err
	}
	claim["ack_at"] = nowISO()
	if err := s.putJSON(claimKey, claim, objstore.PutCond{IfMatch: etag}); err != nil && err != objstore.ErrPreconditionFailed {
		return err
	}
	return nil
}

// Release records a failed attempt, dead-lettering at the attempt cap.
func (s *S3Store) Release(handlerID, eventID, namespace, errMsg string) error {
	claimKey := s.claimKey(namespace, eventID, handlerID)
	claim, etag, err := s.getJSON(claimKey)
	if err != nil || claim == nil || etag == "" {
		return err
	}

	attempts := num(claim["attempts"]) + 1
	if errMsg == "" {
		errMsg = "handler failure"
	}
	now := s.cfg.now()
	claim["attempts"] = attempts
	claim["last_error"] = errMsg
	claim["lease_until"] = now.Format(time.RFC3339Nano)

	if attempts >= s.cfg.MaxAttempts {
		claim["dead_lettered_at"] = now.Format(time.RFC3339Nano)

		// Audit record plus synthetic dead-letter event. Lineage is copied
		// from the failed event so loop detection keeps working.
		var rootEventID string
		var chainDepth int
		var eventType string
		if env, _, err := s.InspectEvent(eventID, namespace); err == nil && env != nil {
			rootEventID = env.RootEventID
			chainDepth = env.ChainDepth
			eventType = env.Type
		}

		dead := map[string]any{
			"event_id":   eventID,
			"handler_id": handlerID,
			"namespace":  namespace,
			"failed_at":  str(claim["dead_lettered_at"]),
			"attempts":   attempts,
			"last_error": errMsg,
			"event_type": eventType,
		}
		if err := s.putJSON(s.deadKey(namespace, eventID, handlerID), dead, objstore.PutCond{}); err != nil {
			return err
		}

		deadEvt := Envelope{
			ID:        uuid.New().String(),
			Type:      DeadLetterEventType,
			CreatedAt: now,
			Priority:  DefaultPriority,
			Payload: map[string]any{
				"event_id":   eventID,
				"handler_id": handlerID,
				"attempts":   attempts,
				"last_error": errMsg,
			},
			RootEventID: rootEventID,
			ChainDepth:  chainDepth + 1,
		}
		if deadEvt.RootEventID == "" {
			deadEvt.RootEventID = deadEvt.ID
		}
		if err := s.Enqueue(deadEvt, namespace); err != nil {
			return err
		}
	} else {
		jitter := time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
		claim["available_at"] = now.Add(s.cfg.backoffDelay(attempts) + jitter).Format(time.RFC3339Nano)
	}

	if err := s.putJSON(claimKey, claim, objstore.PutCond{IfMatch: etag}); err != nil && err != objstore.ErrPreconditionFailed {
		return err
	}
	return nil
}

// RegisterSession writes the session object with a fresh heartbeat.
func (s *S3Store) RegisterSession(sessionID, namespace string, metadata map[string]any) error {
	now := nowISO()
	return s.putJSON(s.sessionKey(namespace, sessionID), map[string]any{
		"session_id":     sessionID,
		"namespace":      namespace,
		"started_at":     now,
		"last_heartbeat": now,
		"metadata":       metadata,
	}, objstore.PutCond{})
}

// Heartbeat refreshes session liveness, re-registering if the object is
// missing.
func (s *S3Store) Heartbeat(sessionID, namespace string) error {
	key := s.sessionKey(namespace, sessionID)
	doc, etag, err := s.getJSON(key)
	if err != nil {
		return err
	}
	if doc == nil {
		return s.RegisterSession(sessionID, namespace, map[string]any{})
	}
	doc["last_heartbeat"] = nowISO()
	cond := objstore.PutCond{}
	if etag != "" {
		cond.IfMatch = etag
	}
	if err := s.putJSON(key, doc, cond); err != nil && err != objstore.ErrPreconditionFailed {
		return err
	}
	return nil
}

func (s *S3Store) namespaceOf(key, kind string) string {
	rel := strings.TrimPrefix(key, s.key(kind+"/"))
	ns, _, _ := strings.Cut(rel, "/")
	return ns
}

// ListNamespaces summarizes namespaces from events and sessions prefixes.
func (s *S3Store) ListNamespaces(_ time.Duration) ([]NamespaceInfo, error) {
	nsSet := map[string]bool{}
	for _, kind := range []string{"events", "sessions"} {
		keys, err := s.obj.List(ctxBg(), s.key(kind+"/"))
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_namespaces", err)
		}
		for _, key := range keys {
			if ns := s.namespaceOf(key, kind); ns != "" {
				nsSet[ns] = true
			}
		}
	}

	namespaces := make([]string, 0, len(nsSet))
	for ns := range nsSet {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	out := []NamespaceInfo{}
	for _, ns := range namespaces {
		events, err := s.obj.List(ctxBg(), s.key("events/"+ns+"/"))
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_namespaces", err)
		}
		dead, err := s.obj.List(ctxBg(), s.key("dead_letters/"+ns+"/"))
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_namespaces", err)
		}
		sessions, err := s.obj.List(ctxBg(), s.key("sessions/"+ns+"/"))
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_namespaces", err)
		}
		out = append(out, NamespaceInfo{
			Namespace: ns, Sessions: len(sessions),
			PendingEvents: len(events), DeadLetters: len(dead),
		})
	}
	return out, nil
}

// ListSessions lists session objects of a namespace, most recent first.
func (s *S3Store) ListSessions(namespace string, sessionTTL time.Duration) ([]SessionInfo, error) {
	keys, err := s.obj.List(ctxBg(), s.key("sessions/"+namespace+"/"))
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_sessions", err)
	}
	now := s.cfg.now()
	out := []SessionInfo{}
	for _, key := range keys {
		doc, _, err := s.getJSON(key)
		if err != nil || doc == nil {
			continue
		}
		info := SessionInfo{
			SessionID: str(doc["session_id"]),
			Namespace: namespace,
		}
		if ts, err := parseISO(str(doc["started_at"])); err == nil {
			info.StartedAt = ts
		}
		if ts, err := parseISO(str(doc["last_heartbeat"])); err == nil {
			info.LastHeartbeat = ts
			info.IsDead = now.Sub(ts) > sessionTTL
		}
		if m, ok := doc["metadata"].(map[string]any); ok {
			info.Metadata = m
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastHeartbeat.After(out[j].LastHeartbeat) })
	return out, nil
}

// ListEvents summarizes events with derived claim status.
func (s *S3Store) ListEvents(namespace string, limit int) ([]EventStatus, error) {
	keys, err := s.obj.List(ctxBg(), s.key("events/"+namespace+"/"))
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_events", err)
	}
	now := s.cfg.now()

	out := []EventStatus{}
	for _, key := range keys {
		doc, _, err := s.getJSON(key)
		if err != nil || doc == nil {
			continue
		}
		env := docEnvelope(doc)
		ev := EventStatus{
			ID: env.ID, Type: env.Type, CreatedAt: env.CreatedAt,
			Priority: env.Priority, Status: "pending", Payload: env.Payload,
		}

		claimKeys, err := s.obj.List(ctxBg(), s.key("claims/"+namespace+"/"+env.ID+"/"))
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_events", err)
		}
		for _, ck := range claimKeys {
			claim, _, err := s.getJSON(ck)
			if err != nil || claim == nil {
				continue
			}
			if h := str(claim["handler_id"]); h != "" {
				ev.Handler = h
			}
			if claim["dead_lettered_at"] != nil {
				ev.Status = "dead_lettered"
				break
			}
			if claim["ack_at"] != nil {
				ev.Status = "acked"
			} else if ev.Status == "pending" {
				if lease, err := parseISO(str(claim["lease_until"])); err == nil && lease.After(now) {
					ev.Status = "claimed"
				}
			}
		}
		out = append(out, ev)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListDeadLetters returns dead-letter records, most recent first.
func (s *S3Store) ListDeadLetters(namespace string, limit int) ([]DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	keys, err := s.obj.List(ctxBg(), s.key("dead_letters/"+namespace+"/"))
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_dead_letters", err)
	}
	out := []DeadLetterRecord{}
	for _, key := range keys {
		doc, _, err := s.getJSON(key)
		if err != nil || doc == nil {
			continue
		}
		rec := DeadLetterRecord{
			EventID:   str(doc["event_id"]),
			EventType: str(doc["event_type"]),
			HandlerID: str(doc["handler_id"]),
			Attempts:  num(doc["attempts"]),
			LastError: str(doc["last_error"]),
		}
		if ts, err := parseISO(str(doc["failed_at"])); err == nil {
			rec.FailedAt = ts
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CleanupEvents deletes events created before the cutoff plus their claims.
func (s *S3Store) CleanupEvents(namespace string, before time.Time) (int, error) {
	keys, err := s.obj.List(ctxBg(), s.key("events/"+namespace+"/"))
	if err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "cleanup_events", err)
	}
	deleted := 0
	for _, key := range keys {
		doc, _, err := s.getJSON(key)
		if err != nil || doc == nil {
			continue
		}
		createdAt, err := parseISO(str(doc["created_at"]))
		if err != nil || !createdAt.Before(before) {
			continue
		}
		if err := s.obj.Delete(ctxBg(), key, ""); err != nil {
			return deleted, onterr.Wrap(onterr.KindStorageIO, "cleanup_events", err)
		}
		deleted++
		eventID := str(doc["id"])
		claimKeys, err := s.obj.List(ctxBg(), s.key("claims/"+namespace+"/"+eventID+"/"))
		if err != nil {
			continue
		}
		for _, ck := range claimKeys {
			_ = s.obj.Delete(ctxBg(), ck, "")
		}
	}
	return deleted, nil
}

// ReplayEvent enqueues a fresh root copy of a stored event.
func (s *S3Store) ReplayEvent(namespace, eventID string) (string, error) {
	env, _, err := s.InspectEvent(eventID, namespace)
	if err != nil {
		return "", err
	}
	if env == nil {
		return "", onterr.New(onterr.KindValidation, "replay_event", "event %q not found", eventID)
	}
	replay := Envelope{
		ID:        uuid.New().String(),
		Type:      env.Type,
		Payload:   env.Payload,
		CreatedAt: s.cfg.now(),
		Priority:  env.Priority,
	}
	replay.RootEventID = replay.ID
	replay.ChainDepth = 0
	if err := s.Enqueue(replay, namespace); err != nil {
		return "", err
	}
	return replay.ID, nil
}

// InspectEvent scans the namespace (or all namespaces) for the event and
// returns its envelope plus per-handler claims.
func (s *S3Store) InspectEvent(eventID, namespace string) (*Envelope, []ClaimInfo, error) {
	searchPrefix := s.key("events/")
	if namespace != "" {
		searchPrefix = s.key("events/" + namespace + "/")
	}
	keys, err := s.obj.List(ctxBg(), searchPrefix)
	if err != nil {
		return nil, nil, onterr.Wrap(onterr.KindStorageIO, "inspect_event", err)
	}

	for _, key := range keys {
		doc, _, err := s.getJSON(key)
		if err != nil || doc == nil || str(doc["id"]) != eventID {
			continue
		}
		env := docEnvelope(doc)
		ns := str(doc["namespace"])
		if ns == "" {
			ns = namespace
		}

		claims := []ClaimInfo{}
		claimKeys, err := s.obj.List(ctxBg(), s.key("claims/"+ns+"/"+eventID+"/"))
		if err != nil {
			return nil, nil, onterr.Wrap(onterr.KindStorageIO, "inspect_event", err)
		}
		for _, ck := range claimKeys {
			claim, _, err := s.getJSON(ck)
			if err != nil || claim == nil {
				continue
			}
			ci := ClaimInfo{
				HandlerID: str(claim["handler_id"]),
				SessionID: str(claim["session_id"]),
				Attempts:  num(claim["attempts"]),
				LastError: str(claim["last_error"]),
			}
			if ts, err := parseISO(str(claim["claimed_at"])); err == nil {
				ci.ClaimedAt = ts
			}
			if ts, err := parseISO(str(claim["lease_until"])); err == nil {
				ci.LeaseUntil = ts
			}
			if ts, err := parseISO(str(claim["available_at"])); err == nil {
				ci.AvailableAt = ts
			}
			if v := str(claim["ack_at"]); v != "" {
				if ts, err := parseISO(v); err == nil {
					ci.AckAt = &ts
				}
			}
			if v := str(claim["dead_lettered_at"]); v != "" {
				if ts, err := parseISO(v); err == nil {
					ci.DeadLetteredAt = &ts
				}
			}
			claims = append(claims, ci)
		}
		return &env, claims, nil
	}
	return nil, nil, nil
}
