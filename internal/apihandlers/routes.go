package apihandlers

import "github.com/gin-gonic/gin"

// RegisterRoutes mounts the queue API under /api/v1.
func RegisterRoutes(router *gin.Engine, h *APIHandler) {
	v1 := router.Group("/api/v1")
	{
		queueGroup := v1.Group("/queue")
		{
			queueGroup.POST("/upload", h.UploadHandler)
			queueGroup.GET("", h.AllQueuesHandler)
			queueGroup.GET("/stats", h.QueueStatsHandler)
			queueGroup.GET("/gpu", h.GPUStatusHandler)
			queueGroup.GET("/items/:id", h.JobStatusHandler)
			queueGroup.DELETE("/items/:id", h.CancelJobHandler)
			queueGroup.GET("/devices/:device_id", h.DeviceQueueHandler)
			queueGroup.GET("/devices/:device_id/stats", h.DeviceStatsHandler)
		}
	}
}
