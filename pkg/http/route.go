package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tass-io/rpool/pkg/http/controller"
	"github.com/tass-io/rpool/pkg/runner/pool"
)

// RegisterRoute registers http routes
func RegisterRoute(r *gin.Engine, p *pool.Pool) {
	r.Use(cors.New(cors.Config{
		AllowMethods:     []string{"PUT", "POST", "GET", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		AllowCredentials: true,
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		MaxAge: 12 * time.Hour,
	}))
	instances := controller.NewInstances(p)
	v1 := r.Group("/v1")
	{
		instanceRoute := v1.Group("/instances")
		{
			instanceRoute.GET("", instances.List)
			instanceRoute.DELETE("", instances.TerminateAll)
			instanceRoute.POST("/connect", instances.Connect)
		}
	}
	r.GET("/healthz", instances.Health)
	r.GET("/metrics", prometheusHandler())
	pprof.Register(r)
}

func prometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
