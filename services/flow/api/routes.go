// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the flowml endpoints on rg (typically /v1).
//
// Endpoints:
//
//	GET    /v1/health
//	GET    /v1/datasets
//	GET    /v1/datasets/:key
//	PUT    /v1/datasets/:key
//	DELETE /v1/datasets/:key
//	POST   /v1/evaluations
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/health", h.HandleHealth)

	datasets := rg.Group("/datasets")
	datasets.GET("", h.HandleListDatasets)
	datasets.GET("/:key", h.HandleGetDataset)
	datasets.PUT("/:key", h.HandlePutDataset)
	datasets.DELETE("/:key", h.HandleDeleteDataset)

	rg.POST("/evaluations", h.HandleEvaluate)
}
