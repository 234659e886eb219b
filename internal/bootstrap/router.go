package bootstrap

import (
	"time"

	httpapi "github.com/arlens/ar-backend/internal/api/http"
	"github.com/arlens/ar-backend/internal/api/http/middleware"
	arhttp "github.com/arlens/ar-backend/internal/ar_compilation/http"
	authmw "github.com/arlens/ar-backend/internal/auth/middleware"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	ServiceName    string
	Version        string
	AllowedOrigins []string
	DB             httpapi.Pinger
	Redis          httpapi.Pinger
	// Verifier authenticates API callers. When nil the X-User-Id header is
	// trusted, which is only meant for local development.
	Verifier authmw.TokenVerifier
	AR       *arhttp.Handler
	// PublicDir is served under /ar-files when artifacts are stored locally.
	PublicDir string
	Gatherer  prometheus.Gatherer
}

func BuildRouter(dep RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestIDMiddleware())
	r.Use(cors.New(corsConfig(dep.AllowedOrigins)))

	healthHandler := httpapi.NewHealthHandler(dep.ServiceName, dep.Version, dep.DB, dep.Redis)
	healthHandler.RegisterRoutes(r)

	if dep.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(dep.Gatherer, promhttp.HandlerOpts{})))
	}
	if dep.PublicDir != "" {
		r.Static("/ar-files", dep.PublicDir)
	}

	dep.AR.RegisterPublic(r)

	ar := r.Group("/api/v1/ar")
	if dep.Verifier != nil {
		ar.Use(authmw.FirebaseAuthMiddleware(dep.Verifier))
	} else {
		ar.Use(authmw.DevUserMiddleware())
	}
	dep.AR.Register(ar)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Request-Id", "X-User-Id"},
		ExposeHeaders: []string{"X-Request-Id"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}
