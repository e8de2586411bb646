package api

import (
	"net/http"
)

func (a *API) listCrons(w http.ResponseWriter, r *http.Request) {
	schedules, err := a.eng.Store().ListSchedules(r.Context())
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	limit, offset := pageBounds(r)
	offset = min(offset, len(schedules))
	end := min(offset+limit, len(schedules))
	a.writeJSON(w, http.StatusOK, schedules[offset:end])
}

func (a *API) getCron(w http.ResponseWriter, r *http.Request) {
	sched, err := a.eng.Store().GetSchedule(r.Context(), r.PathValue("name"))
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, sched)
}

func (a *API) deleteCron(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := r.PathValue("name")
	if _, err := a.eng.Store().GetSchedule(ctx, name); err != nil {
		a.writeStoreError(w, err)
		return
	}
	if err := a.eng.RemoveCron(ctx, name); err != nil {
		a.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
