package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/mongojobs/id"
	"github.com/xraph/mongojobs/job"
)

// JobCountsResponse holds job counts by derived status.
type JobCountsResponse struct {
	Queue     string `json:"queue,omitempty"`
	Ready     int64  `json:"ready"`
	Scheduled int64  `json:"scheduled"`
	Running   int64  `json:"running"`
	Failed    int64  `json:"failed"`
}

func (a *API) parseJobID(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(r.PathValue("jobId"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid job ID: %v", err))
		return id.Nil, false
	}
	return jobID, true
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.parseJobID(w, r)
	if !ok {
		return
	}
	j, err := a.eng.Store().GetJob(r.Context(), jobID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

func (a *API) retryJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.parseJobID(w, r)
	if !ok {
		return
	}
	j, err := a.eng.RetryJobByID(r.Context(), jobID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.parseJobID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	// Distinguish a missing job from a running one.
	if _, err := a.eng.Store().GetJob(ctx, jobID); err != nil {
		a.writeStoreError(w, err)
		return
	}
	n, err := a.eng.Cancel(ctx, jobID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	if n == 0 {
		a.writeError(w, http.StatusConflict, "job is running and cannot be cancelled")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) jobCounts(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	resp, err := a.countJobs(r, queue)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) countJobs(r *http.Request, queue string) (JobCountsResponse, error) {
	resp := JobCountsResponse{Queue: queue}
	for _, status := range []job.Status{job.StatusReady, job.StatusScheduled, job.StatusRunning, job.StatusFailed} {
		n, err := a.eng.Store().CountJobs(r.Context(), job.CountOpts{Queue: queue, Status: status})
		if err != nil {
			return resp, fmt.Errorf("count %s jobs: %w", status, err)
		}
		switch status {
		case job.StatusReady:
			resp.Ready = n
		case job.StatusScheduled:
			resp.Scheduled = n
		case job.StatusRunning:
			resp.Running = n
		case job.StatusFailed:
			resp.Failed = n
		}
	}
	return resp, nil
}
