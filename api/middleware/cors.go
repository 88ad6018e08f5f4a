package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSMiddleware разрешает единственный origin из конфига; пустой - любой
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	conf := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", AdminKeyHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if allowedOrigin == "" || allowedOrigin == "*" {
		conf.AllowAllOrigins = true
	} else {
		conf.AllowOrigins = []string{allowedOrigin}
	}
	return cors.New(conf)
}

// OriginAllowed - та же политика для рукопожатия WebSocket.
// Запросы без Origin (не из браузера) пропускаются.
func OriginAllowed(allowedOrigin, origin string) bool {
	if origin == "" || allowedOrigin == "" || allowedOrigin == "*" {
		return true
	}
	return origin == allowedOrigin
}
