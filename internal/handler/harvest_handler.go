package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/questharvest/internal/middleware"
	"github.com/hitoshi/questharvest/internal/model"
)

// JobServiceInterface は収集ジョブハンドラーが必要とするサービスインターフェース。
// harvest.Queue が実装する。
type JobServiceInterface interface {
	// Enqueue はオーナーの収集ジョブを投入し、投入直後のスナップショットを返す。
	Enqueue(ownerID, accessToken string) (*model.Job, error)
	// Status は指定ジョブのスナップショットを返す。
	Status(jobID string) (*model.Job, error)
}

// HarvestHandler は収集ジョブのHTTPハンドラー。
type HarvestHandler struct {
	jobs JobServiceInterface
}

// NewHarvestHandler はHarvestHandlerを生成する。
func NewHarvestHandler(jobs JobServiceInterface) *HarvestHandler {
	return &HarvestHandler{jobs: jobs}
}

// enqueueResponse はジョブ投入のAPIレスポンス。
type enqueueResponse struct {
	JobID         string          `json:"job_id"`
	QueuePosition int             `json:"queue_position"`
	Status        model.JobStatus `json:"status"`
}

// jobResponse はジョブ状態照会のAPIレスポンス。
type jobResponse struct {
	ID            string            `json:"id"`
	Status        model.JobStatus   `json:"status"`
	QueuePosition int               `json:"queue_position,omitempty"`
	Progress      model.JobProgress `json:"progress"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
}

// EnqueueJob は収集ジョブを投入する。
// POST /api/harvest/jobs
func (h *HarvestHandler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	ownerID, err := middleware.OwnerIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	job, err := h.jobs.Enqueue(ownerID, middleware.AccessTokenFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, enqueueResponse{
		JobID:         job.ID,
		QueuePosition: job.QueuePosition,
		Status:        job.Status,
	})
}

// GetJob はジョブの状態と進捗を返す。
// 他オーナーのジョブは存在しないものとして404を返す。
// GET /api/harvest/jobs/{id}
func (h *HarvestHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ownerID, err := middleware.OwnerIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, errUnauthorized)
		return
	}

	job, err := h.jobs.Status(chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if job.OwnerID != ownerID {
		middleware.WriteErrorResponse(w, http.StatusNotFound, errJobNotFound)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, jobResponse{
		ID:            job.ID,
		Status:        job.Status,
		QueuePosition: job.QueuePosition,
		Progress:      job.Progress,
		Error:         job.Error,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		EndedAt:       job.EndedAt,
	})
}
