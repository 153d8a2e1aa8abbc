package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"ytdlp-web/internal/domain"
	"ytdlp-web/internal/repository"
	"ytdlp-web/internal/service"
	"ytdlp-web/internal/storage"
)

// Handler wires HTTP routes to the task service.
type Handler struct {
	tasks service.TaskService
	now   func() time.Time
}

func NewHandler(tasks service.TaskService) *Handler {
	return &Handler{
		tasks: tasks,
		now:   time.Now,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	{
		api.POST("/downloads", h.submitRegular)
		api.POST("/vods", h.submitVOD)
		api.GET("/tasks", h.listTasks)
		api.DELETE("/tasks", h.clearTasks)
		api.GET("/tasks/:id", h.getTask)
		api.POST("/tasks/:id/cancel", h.cancelTask)
		api.DELETE("/tasks/:id", h.deleteTask)
		api.GET("/history", h.listHistory)
		api.GET("/history/:id", h.getHistory)
		api.GET("/storage/objects", h.listObjects)
		api.GET("/health", h.health)
		api.GET("/info", h.info)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type submitRequest struct {
	URL      string `json:"url"`
	Date     string `json:"date"`
	ClientID string `json:"client_id"`
}

// writeError maps service and repository errors onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrEmptyURL),
		errors.Is(err, service.ErrInvalidURL),
		errors.Is(err, service.ErrInvalidDate):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound), errors.Is(err, repository.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrTaskExists):
		status = http.StatusConflict
	case errors.Is(err, service.ErrCapacity):
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{"error": errorMessage(err)})
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrEmptyURL):
		return "URL cannot be empty"
	case errors.Is(err, service.ErrInvalidURL):
		return "Invalid URL format"
	case errors.Is(err, service.ErrInvalidDate):
		return "Invalid date format. Use YYYY-MM-DD"
	case errors.Is(err, service.ErrNotFound):
		return "Task not found"
	case errors.Is(err, service.ErrCapacity):
		return "Too many tasks, try again once some downloads finish"
	default:
		return err.Error()
	}
}

func (h *Handler) submitRegular(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.tasks.SubmitRegular(c.Request.Context(), service.SubmitRequest{URL: req.URL, ClientID: req.ClientID})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":   "Download started",
		"client_id": task.ID,
		"status":    domain.PhaseInitializing,
		"url":       task.URL,
	})
}

func (h *Handler) submitVOD(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := h.tasks.SubmitVOD(c.Request.Context(), service.SubmitRequest{URL: req.URL, Date: req.Date, ClientID: req.ClientID})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message":   "VOD download started",
		"client_id": task.ID,
		"status":    domain.PhaseInitializing,
		"url":       task.URL,
		"date":      task.Date,
	})
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks := h.tasks.ListTasks(c.Request.Context())

	now := h.now()
	resp := make(map[string]TaskResponse, len(tasks))
	for i := range tasks {
		resp[tasks[i].ID] = taskToResponse(tasks[i], now)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, taskToResponse(task, h.now()))
}

func (h *Handler) cancelTask(c *gin.Context) {
	res, err := h.tasks.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	if res.AlreadyFinished {
		c.JSON(http.StatusOK, gin.H{
			"message": "Task already completed",
			"status":  res.Task.Status.String(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Download cancelled",
		"status":  res.Task.Status.String(),
	})
}

func (h *Handler) deleteTask(c *gin.Context) {
	deleteRemote, err := strconv.ParseBool(c.DefaultQuery("delete_remote", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_remote"})
		return
	}

	res, err := h.tasks.DeleteTask(c.Request.Context(), c.Param("id"), deleteRemote)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"message": "Task deleted", "deleted": res.ID}
	if len(res.Warnings) > 0 {
		resp["warnings"] = res.Warnings
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) clearTasks(c *gin.Context) {
	count, err := h.tasks.ClearTasks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Cleared %d tasks", count), "cleared": count})
}

func (h *Handler) listHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	entries, err := h.tasks.ListHistory(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]HistoryResponse, len(entries))
	for i := range entries {
		resp[i] = historyToResponse(entries[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getHistory(c *gin.Context) {
	entry, err := h.tasks.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, historyToResponse(*entry))
}

func (h *Handler) listObjects(c *gin.Context) {
	objects, err := h.tasks.ListObjects(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) health(c *gin.Context) {
	health := h.tasks.Health(c.Request.Context())
	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (h *Handler) info(c *gin.Context) {
	c.JSON(http.StatusOK, h.tasks.Info(c.Request.Context()))
}

type TaskResponse struct {
	ID              string        `json:"id"`
	Type            domain.Kind   `json:"type"`
	URL             string        `json:"url"`
	Date            string        `json:"date,omitempty"`
	Status          string        `json:"status"`
	StatusDetail    domain.Status `json:"status_detail"`
	Output          []string      `json:"output"`
	Progress        float64       `json:"progress"`
	Speed           string        `json:"speed"`
	ETA             string        `json:"eta"`
	FileSize        string        `json:"file_size"`
	ProcessingTime  string        `json:"processing_time,omitempty"`
	ProcessingSpeed string        `json:"processing_speed,omitempty"`
	Title           string        `json:"title"`
	FilePath        string        `json:"file_path,omitempty"`
	RemoteLocation  string        `json:"remote_location,omitempty"`
	CreatedAt       string        `json:"created_at"`
	FinishedAt      *string       `json:"finished_at,omitempty"`
	Runtime         string        `json:"runtime"`
}

func taskToResponse(task domain.Task, now time.Time) TaskResponse {
	resp := TaskResponse{
		ID:              task.ID,
		Type:            task.Kind,
		URL:             task.URL,
		Date:            task.Date,
		Status:          task.Status.String(),
		StatusDetail:    task.Status,
		Output:          task.Output,
		Progress:        task.Progress,
		Speed:           task.Speed,
		ETA:             task.ETA,
		FileSize:        task.FileSize,
		ProcessingTime:  task.ProcessingTime,
		ProcessingSpeed: task.ProcessingSpeed,
		Title:           task.Title,
		FilePath:        task.FilePath,
		RemoteLocation:  task.RemoteLocation,
		CreatedAt:       task.CreatedAt.Format(time.RFC3339),
		Runtime:         formatRuntime(task.Runtime(now)),
	}
	if resp.Output == nil {
		resp.Output = []string{}
	}
	if !task.FinishedAt.IsZero() {
		v := task.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &v
	}
	return resp
}

// formatRuntime renders whole seconds as H:MM:SS.
func formatRuntime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, secs/60%60, secs%60)
}

type HistoryResponse struct {
	TaskResponse
	ArchivedAt string `json:"archived_at"`
}

func historyToResponse(entry repository.HistoryEntry) HistoryResponse {
	end := entry.Task.FinishedAt
	if end.IsZero() {
		end = entry.ArchivedAt
	}
	return HistoryResponse{
		TaskResponse: taskToResponse(entry.Task, end),
		ArchivedAt:   entry.ArchivedAt.Format(time.RFC3339),
	}
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
