package http

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/tass-io/rpool/pkg/dto"
	"github.com/tass-io/rpool/pkg/lifecycle"
	"github.com/tass-io/rpool/pkg/rhome"
	"github.com/tass-io/rpool/pkg/runner/pool"
	"github.com/tass-io/rpool/pkg/runner/rservetest"
	_ "github.com/tass-io/rpool/pkg/tools/log"
)

func TestMain(m *testing.M) {
	rservetest.MainIfRequested()
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newRouter(t *testing.T, executable string) (*gin.Engine, *pool.Pool) {
	cfg := pool.DefaultConfig()
	cfg.Env = rservetest.Env(false)
	cfg.TempDir = filepath.Join(t.TempDir(), "r-tmp")
	p := pool.New(rhome.NewDefaultProvider(t.TempDir(), executable), cfg, pool.WithHooks(lifecycle.NewHooks()))
	t.Cleanup(p.ForceTerminateAll)
	r := gin.New()
	RegisterRoute(r, p)
	return r, p
}

func do(r *gin.Engine, method, path string, out interface{}) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	if out != nil {
		So(json.Unmarshal(w.Body.Bytes(), out), ShouldBeNil)
	}
	return w
}

func TestInstanceRoutes(t *testing.T) {
	Convey("test the diagnostics api", t, func() {
		exe, err := os.Executable()
		So(err, ShouldBeNil)
		r, p := newRouter(t, exe)
		Reset(p.ForceTerminateAll)

		health := dto.HealthResponse{}
		So(do(r, nethttp.MethodGet, "/healthz", &health).Code, ShouldEqual, nethttp.StatusOK)
		So(health.Status, ShouldEqual, "ok")
		So(health.Instances, ShouldEqual, 0)

		conn := dto.ConnectResponse{}
		So(do(r, nethttp.MethodPost, "/v1/instances/connect", &conn).Code, ShouldEqual, nethttp.StatusOK)
		So(conn.Success, ShouldBeTrue)
		So(conn.ServerID, ShouldEqual, "Rsrv0103QAP1")
		So(conn.Host, ShouldEqual, "127.0.0.1")
		So(conn.Session, ShouldNotBeEmpty)

		Convey("the process connected to stays registered and idle", func() {
			list := dto.InstancesResponse{}
			So(do(r, nethttp.MethodGet, "/v1/instances", &list).Code, ShouldEqual, nethttp.StatusOK)
			So(list.Instances, ShouldHaveLength, 1)
			So(list.Instances[0].Port, ShouldEqual, conn.Port)
			So(list.Instances[0].Connected, ShouldBeFalse)
			So(list.Instances[0].Alive, ShouldBeTrue)

			again := dto.ConnectResponse{}
			do(r, nethttp.MethodPost, "/v1/instances/connect", &again)
			So(again.Port, ShouldEqual, conn.Port)
			So(again.Session, ShouldNotEqual, conn.Session)
		})

		Convey("delete terminates everything", func() {
			resp := dto.TerminateResponse{}
			So(do(r, nethttp.MethodDelete, "/v1/instances", &resp).Code, ShouldEqual, nethttp.StatusOK)
			So(resp.Terminated, ShouldEqual, 1)
			So(resp.Retiring, ShouldEqual, 0)
			So(p.Len(), ShouldEqual, 0)
		})

		Convey("delete waits for busy processes unless forced", func() {
			s, err := p.CreateConnection(context.Background())
			So(err, ShouldBeNil)
			Reset(func() { s.Close() })

			resp := dto.TerminateResponse{}
			So(do(r, nethttp.MethodDelete, "/v1/instances", &resp).Code, ShouldEqual, nethttp.StatusOK)
			So(resp.Terminated, ShouldEqual, 0)
			So(resp.Retiring, ShouldEqual, 1)
			So(p.Len(), ShouldEqual, 1)

			list := dto.InstancesResponse{}
			do(r, nethttp.MethodGet, "/v1/instances", &list)
			So(list.Instances, ShouldHaveLength, 1)
			So(list.Instances[0].Retiring, ShouldBeTrue)

			forced := dto.TerminateResponse{}
			So(do(r, nethttp.MethodDelete, "/v1/instances?force=true", &forced).Code, ShouldEqual, nethttp.StatusOK)
			So(forced.Terminated, ShouldEqual, 1)
			So(forced.Retiring, ShouldEqual, 0)
			So(p.Len(), ShouldEqual, 0)
		})

		Convey("metrics are exported", func() {
			w := do(r, nethttp.MethodGet, "/metrics", nil)
			So(w.Code, ShouldEqual, nethttp.StatusOK)
			So(w.Body.String(), ShouldContainSubstring, "rpool_launches_total")
			So(w.Body.String(), ShouldContainSubstring, "rpool_instances")
		})
	})

	Convey("test connecting to a broken installation", t, func() {
		home := t.TempDir()
		r, p := newRouter(t, filepath.Join(home, "Rserve"))

		conn := dto.ConnectResponse{}
		So(do(r, nethttp.MethodPost, "/v1/instances/connect", &conn).Code, ShouldEqual, nethttp.StatusServiceUnavailable)
		So(conn.Success, ShouldBeFalse)
		So(conn.Transient, ShouldBeFalse)
		So(conn.Message, ShouldContainSubstring, "Rserve unavailable")
		So(p.Len(), ShouldEqual, 0)
	})
}
