package controller

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/tass-io/rpool/pkg/dto"
	"github.com/tass-io/rpool/pkg/runner/pool"
	"github.com/tass-io/rpool/pkg/tools/errorutils"
	"github.com/tass-io/rpool/pkg/trace"
	"go.uber.org/zap"
)

// Instances serves the diagnostics of one pool
type Instances struct {
	pool *pool.Pool
}

func NewInstances(p *pool.Pool) *Instances {
	return &Instances{pool: p}
}

// List reports every registered Rserve process
func (ctl *Instances) List(c *gin.Context) {
	c.JSON(http.StatusOK, dto.InstancesResponse{
		Success:   true,
		Message:   "ok",
		Instances: ctl.pool.Snapshot(),
	})
}

// Connect opens a session the way a client would and closes it again
func (ctl *Instances) Connect(c *gin.Context) {
	var sp opentracing.Span
	parent, err := trace.GetSpanContextFromHeaders(c.Request.Header)
	if err != nil {
		if !errors.Is(err, opentracing.ErrSpanContextNotFound) {
			zap.S().Errorw("trace get spanContext error", "err", err)
		}
		sp = opentracing.GlobalTracer().StartSpan("connect")
	} else {
		sp = opentracing.GlobalTracer().StartSpan("connect", opentracing.ChildOf(parent))
	}
	defer sp.Finish()
	ctx := opentracing.ContextWithSpan(c.Request.Context(), sp)

	start := time.Now()
	s, err := ctl.pool.CreateConnection(ctx)
	if err != nil {
		code := http.StatusInternalServerError
		transient := false
		var unavailable *errorutils.RserveUnavailableError
		if errors.As(err, &unavailable) {
			code = http.StatusServiceUnavailable
			transient = unavailable.Transient()
		}
		zap.S().Warnw("test connection failed", "err", err)
		c.JSON(code, dto.ConnectResponse{
			Success:   false,
			Message:   err.Error(),
			Transient: transient,
			ElapsedMs: time.Since(start).Milliseconds(),
		})
		return
	}
	defer s.Close()
	c.JSON(http.StatusOK, dto.ConnectResponse{
		Success:   true,
		Message:   "ok",
		Session:   s.ID(),
		Host:      s.Host(),
		Port:      s.Port(),
		ServerID:  s.ServerID(),
		ElapsedMs: time.Since(start).Milliseconds(),
	})
}

// TerminateAll stops the idle Rserve processes of the pool, busy ones follow when their client
// disconnects. With force=true every process is stopped at once.
func (ctl *Instances) TerminateAll(c *gin.Context) {
	var terminated, retiring int
	if force, _ := strconv.ParseBool(c.Query("force")); force {
		terminated = ctl.pool.Len()
		ctl.pool.ForceTerminateAll()
	} else {
		terminated, retiring = ctl.pool.TerminateAll()
	}
	zap.S().Infow("terminated Rserve processes on request", "count", terminated, "retiring", retiring, "remote", c.ClientIP())
	c.JSON(http.StatusOK, dto.TerminateResponse{
		Success:    true,
		Message:    "ok",
		Terminated: terminated,
		Retiring:   retiring,
	})
}

func (ctl *Instances) Health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{
		Status:    "ok",
		Instances: ctl.pool.Len(),
	})
}
