package api

import (
	"net/http"
)

// StatsResponse aggregates counts across every registered queue.
type StatsResponse struct {
	Jobs      JobCountsResponse   `json:"jobs"`
	Queues    []JobCountsResponse `json:"queues"`
	Schedules int                 `json:"schedules"`
	Running   bool                `json:"worker_running"`
	Inflight  int                 `json:"inflight"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	total, err := a.countJobs(r, "")
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	queues := a.eng.Registry().QueuesForGroups()
	perQueue := make([]JobCountsResponse, 0, len(queues))
	for _, q := range queues {
		counts, err := a.countJobs(r, q)
		if err != nil {
			a.writeStoreError(w, err)
			return
		}
		perQueue = append(perQueue, counts)
	}

	schedules, err := a.eng.Store().ListSchedules(r.Context())
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, StatsResponse{
		Jobs:      total,
		Queues:    perQueue,
		Schedules: len(schedules),
		Running:   a.eng.Running(),
		Inflight:  len(a.eng.Inflight()),
	})
}
