package controller

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github/itish2003/retrieval/models"
	"github/itish2003/retrieval/services"
)

// RAGController handles the HTTP requests for the retrieval API. It depends
// on the RAGService to perform the actual business logic.
type RAGController struct {
	ragService services.RAGService
}

// NewRAGController creates a new RAGController around service.
func NewRAGController(service services.RAGService) *RAGController {
	return &RAGController{
		ragService: service,
	}
}

// RegisterRoutes mounts the API under group.
func (c *RAGController) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/documents", c.IngestDocument)
	group.DELETE("/documents/:name", c.DeleteDocument)
	group.POST("/reindex", c.Reindex)
	group.POST("/query", c.Query)
	group.GET("/entries", c.GetEntries)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrConfig), errors.Is(err, models.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondError(ctx *gin.Context, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Printf("CONTROLLER ERROR: %s: %v", message, err)
		ctx.JSON(status, gin.H{"error": message})
		return
	}
	ctx.JSON(status, gin.H{"error": message + ": " + err.Error()})
}

// IngestDocument is the Gin handler for the POST /api/v1/documents endpoint.
func (c *RAGController) IngestDocument(ctx *gin.Context) {
	var req models.IngestDocumentRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	chunks, err := c.ragService.IngestText(ctx.Request.Context(), req)
	if err != nil {
		respondError(ctx, "Failed to ingest document", err)
		return
	}

	ctx.JSON(http.StatusCreated, models.IngestDocumentResponse{
		Message: "Document ingested successfully",
		Chunks:  chunks,
	})
}

// DeleteDocument is the Gin handler for the DELETE /api/v1/documents/:name endpoint.
func (c *RAGController) DeleteDocument(ctx *gin.Context) {
	chunks, err := c.ragService.DeleteDocument(ctx.Request.Context(), ctx.Param("name"))
	if err != nil {
		respondError(ctx, "Failed to delete document", err)
		return
	}
	ctx.JSON(http.StatusOK, models.IngestDocumentResponse{
		Message: "Document deleted successfully",
		Chunks:  chunks,
	})
}

// Reindex is the Gin handler for the POST /api/v1/reindex endpoint.
func (c *RAGController) Reindex(ctx *gin.Context) {
	chunks, err := c.ragService.Reindex(ctx.Request.Context())
	if err != nil {
		respondError(ctx, "Failed to rebuild index", err)
		return
	}
	ctx.JSON(http.StatusOK, models.IngestDocumentResponse{
		Message: "Index rebuilt",
		Chunks:  chunks,
	})
}

// Query is the Gin handler for the POST /api/v1/query endpoint.
func (c *RAGController) Query(ctx *gin.Context) {
	var req models.QueryTextRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	response, err := c.ragService.Query(ctx.Request.Context(), req)
	if err != nil {
		respondError(ctx, "Failed to retrieve passages", err)
		return
	}
	ctx.JSON(http.StatusOK, response)
}

// GetEntries is the Gin handler for the GET /api/v1/entries endpoint.
func (c *RAGController) GetEntries(ctx *gin.Context) {
	response, err := c.ragService.ListEntries(ctx.Request.Context())
	if err != nil {
		respondError(ctx, "Failed to retrieve entries", err)
		return
	}
	ctx.JSON(http.StatusOK, response)
}
