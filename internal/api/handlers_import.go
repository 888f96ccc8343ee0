package api

import (
	stderrors "errors"
	"net/http"

	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/service"
	"github.com/gorilla/mux"
)

// SubmitImportResponse is returned by POST /api/imports
type SubmitImportResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// PreviewImportRequest is the body of POST /api/imports/preview
type PreviewImportRequest struct {
	CSVData string `json:"csvData"`
	Rows    int    `json:"rows,omitempty"`
}

// ListImportsResponse is returned by GET /api/imports
type ListImportsResponse struct {
	Jobs []*models.ImportJobView `json:"jobs"`
}

// readBody decodes a JSON body under the configured size cap. It writes the
// error response itself and reports whether decoding succeeded.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if s.config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	}

	if err := parseJSONBody(r, v); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Request body too large", map[string]interface{}{
				"limit": tooLarge.Limit,
			})
			return false
		}
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return false
	}
	return true
}

// handleSubmitImport handles POST /api/imports
func (s *Server) handleSubmitImport(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if !s.readBody(w, r, &req) {
		return
	}

	job, err := s.importService.Submit(r.Context(), UserIDFromContext(r.Context()), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/imports/"+job.ID)
	respondJSON(w, http.StatusAccepted, SubmitImportResponse{
		JobID:  job.ID,
		Status: string(job.Status),
	})
}

// handleListImports handles GET /api/imports
func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.importService.ListJobs(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*models.ImportJobView{}
	}

	respondJSON(w, http.StatusOK, ListImportsResponse{Jobs: jobs})
}

// handleGetImport handles GET /api/imports/{id}
func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	job, err := s.importService.GetJob(r.Context(), UserIDFromContext(r.Context()), jobID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Import job not found", map[string]interface{}{
			"id": jobID,
		})
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// handleDeleteImport handles DELETE /api/imports/{id}. Imported transactions are kept.
func (s *Server) handleDeleteImport(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	if err := s.importService.DeleteJob(r.Context(), UserIDFromContext(r.Context()), jobID); err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handlePreviewImport handles POST /api/imports/preview
func (s *Server) handlePreviewImport(w http.ResponseWriter, r *http.Request) {
	var req PreviewImportRequest
	if !s.readBody(w, r, &req) {
		return
	}

	preview, err := s.importService.Preview(r.Context(), req.CSVData, req.Rows)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, preview)
}
