package api

import (
	"net/http"
	"time"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/engine"
	"github.com/dokanhq/dokansync/internal/oplog"
)

const (
	maxPushBatch    = 500
	maxPullBatch    = 500
	defaultPull     = 200
	longPollDefault = 25 * time.Second
	longPollMax     = 55 * time.Second
)

// syncPush applies a device's queued ops and reports each op's fate.
func (h *Handler) syncPush(w http.ResponseWriter, r *http.Request) {
	var req domain.PushRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Ops) == 0 {
		respondError(w, http.StatusBadRequest, "ops is required")
		return
	}
	if len(req.Ops) > maxPushBatch {
		respondError(w, http.StatusBadRequest, "push batch too large")
		return
	}
	resp, err := h.engine.ApplyBatch(r.Context(), businessID(r), deviceID(r), req.Ops)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to apply ops")
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// syncPull streams the tenant log from a cursor, excluding the pulling
// device's own writes.
func (h *Handler) syncPull(w http.ResponseWriter, r *http.Request) {
	after := queryInt64(r, "after", 0)
	limit := queryInt(r, "limit", defaultPull)
	if limit > maxPullBatch {
		limit = maxPullBatch
	}

	// Snapshot the head before scanning. An op committing between the
	// two queries must stay above next, or a short page would advance
	// the cursor past an op it never delivered.
	latest, err := oplog.LatestSeq(h.db, businessID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to read log position")
		return
	}
	ops, err := oplog.ListAfter(h.db, businessID(r), after, limit, deviceID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to read log")
		return
	}
	resp := pullWindow(after, latest, limit, ops)
	respondJSON(w, http.StatusOK, resp)
}

// pullWindow computes the cursor advance for one pull page. latest is
// the head snapshot taken before the scan: a short page may step the
// cursor over the device's own excluded writes up to that snapshot,
// never past it.
func pullWindow(after, latest int64, limit int, ops []domain.Op) domain.PullResponse {
	next := after
	if len(ops) > 0 {
		next = ops[len(ops)-1].ServerSeq
	}
	if len(ops) < limit && latest > next {
		next = latest
	}
	return domain.PullResponse{
		Ops:  ops,
		Next: next,
		More: next < latest,
	}
}

// syncCheckpoint records how far a device has durably applied the log.
func (h *Handler) syncCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckpointRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Seq < 0 {
		respondError(w, http.StatusBadRequest, "seq must not be negative")
		return
	}
	// Checkpoints only move forward; a device replaying an old cursor
	// must not hide already-acked ops from the archiver.
	if _, err := h.db.Exec(`UPDATE devices SET last_acked_seq = $1, last_seen_ms = $2
        WHERE id = $3 AND business_id = $4 AND last_acked_seq < $1`,
		req.Seq, time.Now().UnixMilli(), deviceID(r), businessID(r)); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to record checkpoint")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request) {
	latest, err := oplog.LatestSeq(h.db, businessID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to read log position")
		return
	}
	var acked int64
	if err := h.db.Get(&acked, `SELECT last_acked_seq FROM devices WHERE id = $1 AND business_id = $2`,
		deviceID(r), businessID(r)); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to read device state")
		return
	}
	conflicts, err := engine.CountConflicts(h.db, businessID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to count conflicts")
		return
	}
	respondJSON(w, http.StatusOK, domain.SyncStatus{
		ServerSeq:    latest,
		AckedSeq:     acked,
		OpenConflict: conflicts,
	})
}

// syncWait long-polls until the tenant log advances past the cursor or
// the window elapses. The response mirrors syncStatus so clients can
// share handling.
func (h *Handler) syncWait(w http.ResponseWriter, r *http.Request) {
	after := queryInt64(r, "after", 0)
	timeout := time.Duration(queryInt(r, "timeout_ms", int(longPollDefault/time.Millisecond))) * time.Millisecond
	if timeout > longPollMax {
		timeout = longPollMax
	}

	// The hub only knows sequences published since boot; consult the
	// log first so a fresh node does not stall clients.
	latest, err := oplog.LatestSeq(h.db, businessID(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to read log position")
		return
	}
	changed := latest > after
	if !changed {
		latest, changed = h.hub.Wait(r.Context(), businessID(r), after, timeout)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"server_seq": latest,
		"changed":    changed,
	})
}
