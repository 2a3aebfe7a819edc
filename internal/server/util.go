package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/loykin/jobwatch/internal/classify"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// parseClass maps a ?class= value to a failure class. Empty means classify
// the current session output.
func parseClass(s string) (classify.Class, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", true
	}
	for _, c := range classify.Classes {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
