// Package httpserver is the client-facing surface of the example server:
// a small JSON API over the replicated key/value store.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/skiffdb/skiff/internal/database"
	"github.com/skiffdb/skiff/internal/node"
	"github.com/skiffdb/skiff/internal/raft"
)

// Cluster is the slice of the Raft API the HTTP layer needs. raftserver's
// Server satisfies it; tests substitute a stub.
type Cluster interface {
	AddToLog(ctx context.Context, value string, id raft.RequestID) node.AppendResult
	SyncBeforeRead(ctx context.Context) bool
	Status() node.Status
}

// Controller glues HTTP requests to the cluster and the local store.
type Controller struct {
	cluster Cluster
	db      *database.Database
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(cluster Cluster, db *database.Database) *gin.Engine {
	c := &Controller{cluster: cluster, db: db}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", c.health)
	router.GET("/kv", c.search)
	router.GET("/kv/:key", c.get)
	router.PUT("/kv/:key", c.put)
	router.DELETE("/kv/:key", c.del)
	return router
}

// Serve runs the API wrapped in permissive CORS until the server is shut
// down.
func Serve(addr string, router *gin.Engine) *http.Server {
	srv := &http.Server{
		Addr:    addr,
		Handler: cors.Default().Handler(router),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	return srv
}

func (c *Controller) health(ctx *gin.Context) {
	status := c.cluster.Status()
	role := "follower"
	if status.IsLeader {
		role = "leader"
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"role":        role,
		"term":        status.Term,
		"commitIndex": status.CommitIndex,
		"logLength":   status.LogLength,
	})
}

// get serves a read through the leader gate, so a value returned here
// reflects every write the cluster had committed when the request arrived.
func (c *Controller) get(ctx *gin.Context) {
	if !c.cluster.SyncBeforeRead(ctx.Request.Context()) {
		ctx.JSON(http.StatusMisdirectedRequest, gin.H{"error": "not leader"})
		return
	}
	key := ctx.Param("key")
	value, ok := c.db.Get(key)
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

func (c *Controller) search(ctx *gin.Context) {
	if !c.cluster.SyncBeforeRead(ctx.Request.Context()) {
		ctx.JSON(http.StatusMisdirectedRequest, gin.H{"error": "not leader"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"results": c.db.SearchPrefix(ctx.Query("prefix"))})
}

func (c *Controller) put(ctx *gin.Context) {
	id, ok := requestID(ctx)
	if !ok {
		return
	}
	body, err := ctx.GetRawData()
	if err != nil || len(body) == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "request body must carry the value"})
		return
	}
	command := fmt.Sprintf("%s%s%s", ctx.Param("key"), "<-", body)
	c.finish(ctx, c.cluster.AddToLog(ctx.Request.Context(), command, id))
}

func (c *Controller) del(ctx *gin.Context) {
	id, ok := requestID(ctx)
	if !ok {
		return
	}
	command := ctx.Param("key") + "<-"
	c.finish(ctx, c.cluster.AddToLog(ctx.Request.Context(), command, id))
}

func (c *Controller) finish(ctx *gin.Context, result node.AppendResult) {
	switch result {
	case node.AppendCommitted:
		ctx.JSON(http.StatusOK, gin.H{"result": string(result)})
	case node.AppendNotLeader:
		ctx.JSON(http.StatusMisdirectedRequest, gin.H{"result": string(result)})
	case node.AppendTimedOut:
		ctx.JSON(http.StatusGatewayTimeout, gin.H{"result": string(result)})
	}
}

// requestID reads the dedup identity from headers. Serials start at 1;
// zero would be indistinguishable from "never seen".
func requestID(ctx *gin.Context) (raft.RequestID, bool) {
	clientID, err := strconv.ParseUint(ctx.GetHeader("X-Client-Id"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid X-Client-Id header"})
		return raft.RequestID{}, false
	}
	serial, err := strconv.ParseUint(ctx.GetHeader("X-Request-Serial"), 10, 64)
	if err != nil || serial == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "X-Request-Serial must be a positive integer"})
		return raft.RequestID{}, false
	}
	return raft.RequestID{ClientID: clientID, RequestSerial: serial}, true
}
