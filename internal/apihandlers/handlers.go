package apihandlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/app"
	"github.com/danieldevos90/brutally-honest-ai-sub000/internal/models"
)

type APIHandler struct {
	App *app.App
}

func NewAPIHandler(appInstance *app.App) *APIHandler {
	return &APIHandler{App: appInstance}
}

// UploadHandler admits one multipart upload into the device's queue.
// Form fields: file (required), device_id (required), type, priority,
// metadata (JSON object).
func (h *APIHandler) UploadHandler(c *gin.Context) {
	deviceID := c.PostForm("device_id")
	if deviceID == "" {
		BadRequest(c, "device_id is required")
		return
	}

	kind, err := models.ParseKind(c.DefaultPostForm("type", string(models.KindTranscription)))
	if err != nil {
		BadRequest(c, err.Error())
		return
	}
	priority, err := models.ParsePriority(c.PostForm("priority"))
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	var metadata map[string]any
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			BadRequest(c, "metadata must be a JSON object: "+err.Error())
			return
		}
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "file is required: "+err.Error())
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		Internal(c, fmt.Sprintf("UploadHandler: failed to open upload: %v", err))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		Internal(c, fmt.Sprintf("UploadHandler: failed to read upload: %v", err))
		return
	}

	job, err := h.App.Manager.Submit(deviceID, fileHeader.Filename, data, kind, priority, metadata)
	if err != nil {
		if errors.Is(err, models.ErrDeviceQueueFull) || errors.Is(err, models.ErrTotalQueueFull) {
			QueueFull(c, err.Error())
			return
		}
		Internal(c, fmt.Sprintf("UploadHandler: failed to submit job: %v", err))
		return
	}

	summary, err := h.App.Manager.GetStatus(job.ID)
	if err != nil {
		Internal(c, fmt.Sprintf("UploadHandler: failed to read back job %s: %v", job.ID, err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": summary})
}

// JobStatusHandler returns one job's snapshot with its queue position.
func (h *APIHandler) JobStatusHandler(c *gin.Context) {
	summary, err := h.App.Manager.GetStatus(c.Param("id"))
	if err != nil {
		NotFound(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": summary})
}

// CancelJobHandler cancels a still-queued job. Dispatched and terminal jobs
// are reported as a conflict, unknown IDs as not found.
func (h *APIHandler) CancelJobHandler(c *gin.Context) {
	jobID := c.Param("id")
	if h.App.Manager.Cancel(jobID) {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"id": jobID, "status": models.StatusCancelled}})
		return
	}
	if _, err := h.App.Manager.GetStatus(jobID); err != nil {
		NotFound(c, err.Error())
		return
	}
	Conflict(c, "job is already dispatched or finished")
}

// DeviceQueueHandler lists a device's queued jobs in dispatch order.
func (h *APIHandler) DeviceQueueHandler(c *gin.Context) {
	deviceID := c.Param("device_id")
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"device_id": deviceID,
		"queue":     h.App.Manager.DeviceQueue(deviceID),
	}})
}

// DeviceStatsHandler returns one device's statistics.
func (h *APIHandler) DeviceStatsHandler(c *gin.Context) {
	deviceID := c.Param("device_id")
	stats, ok := h.App.Manager.DeviceStats(deviceID)
	if !ok {
		NotFound(c, "no jobs recorded for device "+deviceID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": stats})
}

// AllQueuesHandler snapshots every device queue.
func (h *APIHandler) AllQueuesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.App.Manager.AllQueues()})
}

// QueueStatsHandler returns aggregate queue statistics.
func (h *APIHandler) QueueStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.App.Manager.Stats()})
}

// GPUStatusHandler returns the resource-gate snapshot.
func (h *APIHandler) GPUStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.App.Manager.Gate().Status()})
}
