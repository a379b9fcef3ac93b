package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/andresmejia3/deepguard/internal/fusion"
	"github.com/andresmejia3/deepguard/internal/logging"
	"github.com/andresmejia3/deepguard/internal/metrics"
	"github.com/andresmejia3/deepguard/internal/report"
	"github.com/andresmejia3/deepguard/internal/utils"
)

const (
	HeaderAssetURL    = "X-Asset-URL"
	HeaderAssetSHA256 = "X-Asset-SHA256"

	formField = "file"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "model": s.verifier.ModelName()})
}

// handleVerify streams the upload to a temp file, gates it and, when approved
// and storage is configured, publishes it. The temp file never outlives the request.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.Ctx(ctx).With().Str("request_id", middleware.GetReqID(ctx)).Logger()

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadMB<<20)
	src, header, err := r.FormFile(formField)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		log.Debug().Err(err).Msg("no upload in request")
		writeReport(w, http.StatusBadRequest, fusion.FailClosed(s.verifier.ModelName(), fusion.TagNoFileProvided))
		return
	}
	defer src.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	tmp, err := os.CreateTemp("", "deepguard-upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		log.Error().Err(err).Msg("create temp file")
		writeError(w, http.StatusInternalServerError, "cannot stage upload")
		return
	}
	tmpPath := tmp.Name()
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", tmpPath).Msg("temp file not removed")
		}
	}()

	_, err = io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		log.Error().Err(err).Msg("stage upload")
		writeError(w, http.StatusInternalServerError, "cannot stage upload")
		return
	}

	digest, err := utils.HashFile(tmpPath)
	if err != nil {
		log.Error().Err(err).Msg("hash upload")
		writeError(w, http.StatusInternalServerError, "cannot hash upload")
		return
	}
	w.Header().Set(HeaderAssetSHA256, digest)

	rep, err := s.verifier.Run(ctx, tmpPath)
	if err != nil {
		log.Warn().Err(err).Str("sha256", digest).Msg("verification failed closed")
	}
	if verr := report.Validate(rep); verr != nil {
		log.Error().Err(verr).Msg("malformed report")
		rep = fusion.EngineError(s.verifier.ModelName(), verr)
	}

	if rep.Verdict != report.Approved {
		writeReport(w, http.StatusUnprocessableEntity, rep)
		return
	}

	if s.publisher != nil {
		url, err := s.publisher.Publish(ctx, tmpPath, digest, header.Filename)
		if err != nil {
			metrics.PublishedAssets.WithLabelValues("error").Inc()
			log.Error().Err(err).Str("sha256", digest).Msg("publish approved asset")
			writeError(w, http.StatusBadGateway, "approved asset could not be published")
			return
		}
		metrics.PublishedAssets.WithLabelValues("ok").Inc()
		w.Header().Set(HeaderAssetURL, url)
	}
	writeReport(w, http.StatusOK, rep)
}

func writeReport(w http.ResponseWriter, status int, rep report.Report) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := report.Encode(w, rep); err != nil {
		logging.Warn().Err(err).Msg("write report")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
