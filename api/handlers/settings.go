package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ClientSettings - параметры, которые клиенты берут с сервера при старте
type ClientSettings struct {
	PollIntervalMs   int64  `json:"poll_interval_ms"`
	AdminDisplayName string `json:"admin_display_name"`
}

// SettingsHandler отдает интервал опроса и имя администратора
func SettingsHandler(pollInterval time.Duration, adminDisplayName string) gin.HandlerFunc {
	settings := ClientSettings{
		PollIntervalMs:   pollInterval.Milliseconds(),
		AdminDisplayName: adminDisplayName,
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, settings)
	}
}
