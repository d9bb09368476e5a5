package server

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fello/internal/auth"
	"github.com/MarcoPoloResearchLab/fello/internal/media"
	"github.com/MarcoPoloResearchLab/fello/internal/session"
	"github.com/MarcoPoloResearchLab/fello/internal/storage"
	"github.com/MarcoPoloResearchLab/fello/internal/store"
	"github.com/MarcoPoloResearchLab/fello/internal/store/remote"
	"github.com/MarcoPoloResearchLab/fello/internal/transport"
	"github.com/MarcoPoloResearchLab/fello/internal/users"
	"github.com/MarcoPoloResearchLab/fello/web"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const subjectContextKey = "fello_service_subject"

var (
	errMissingTree          = errors.New("realtime tree dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errMissingUsers         = errors.New("user resolver dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingBucket        = errors.New("bucket dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SessionValidator authenticates browser requests by their session cookie.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims onto the canonical user.
type UserResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (users.SignedInUser, error)
}

// ServiceTokenManager validates bearer tokens of realtime service clients.
type ServiceTokenManager interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Tree           *store.Tree
	Sessions       SessionValidator
	Users          UserResolver
	TokenManager   ServiceTokenManager
	Bucket         storage.Bucket
	Prober         media.Prober
	// AllowedOrigins lists browser origins besides the serving host that may open /session.
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the web shell, both websockets and uploads.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tree == nil {
		return nil, errMissingTree
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Bucket == nil {
		return nil, errMissingBucket
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tree:     deps.Tree,
		sessions: deps.Sessions,
		users:    deps.Users,
		tokens:   deps.TokenManager,
		bucket:   deps.Bucket,
		prober:   deps.Prober,
		upgrader: transport.NewUpgrader(deps.AllowedOrigins),
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/session", handler.handleSession)
	router.GET("/uploads/*path", handler.handleDownload)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/realtime", handler.handleRealtime)

	assets := http.FS(web.Assets)
	router.GET("/", func(c *gin.Context) {
		c.FileFromFS("/", assets)
	})
	router.GET("/app.js", func(c *gin.Context) {
		c.FileFromFS("app.js", assets)
	})
	router.GET("/sw.js", func(c *gin.Context) {
		c.FileFromFS("sw.js", assets)
	})
	images, err := fs.Sub(web.Assets, "images")
	if err != nil {
		return nil, err
	}
	router.StaticFS("/images", http.FS(images))

	return router, nil
}

// Cross-origin callers authenticate with bearer tokens only; cookies never ride along.
func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	})
}

type httpHandler struct {
	tree     *store.Tree
	sessions SessionValidator
	users    UserResolver
	tokens   ServiceTokenManager
	bucket   storage.Bucket
	prober   media.Prober
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// resolveUser returns nil for anonymous visitors. Auth failures are logged and the
// session continues anonymously.
func (h *httpHandler) resolveUser(r *http.Request) *users.SignedInUser {
	claims, err := h.sessions.ValidateRequest(r)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("session token expired", zap.Error(err))
		default:
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		return nil
	}
	user, err := h.users.Resolve(r.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve user", zap.Error(err))
		return nil
	}
	return &user
}

type peerOutbox struct {
	peer *transport.Peer
}

func (o peerOutbox) Send(_ context.Context, frame session.Outbound) error {
	return o.peer.Send(frame)
}

func (h *httpHandler) handleSession(c *gin.Context) {
	user := h.resolveUser(c.Request)

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("session upgrade failed", zap.Error(err))
		return
	}
	logger := h.logger
	if user != nil {
		logger = logger.With(zap.String("user_id", user.UserID))
	}
	peer := transport.NewPeer(ws, 0, logger)
	defer peer.Shutdown()
	go peer.WriteLoop()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	frames := make(chan session.Inbound)
	go func() {
		defer close(frames)
		peer.ReadLoop(func(message []byte) {
			var frame session.Inbound
			if err := json.Unmarshal(message, &frame); err != nil {
				logger.Warn("session frame decode failed", zap.Error(err))
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
			}
		})
	}()

	app, err := session.New(session.Config{
		Connector: h.tree,
		User:      user,
		Bucket:    h.bucket,
		Prober:    h.prober,
		Outbox:    peerOutbox{peer: peer},
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to construct session", zap.Error(err))
		return
	}
	if err := app.Run(ctx, frames); err != nil {
		logger.Warn("session ended", zap.Error(err))
	}
}

func (h *httpHandler) handleRealtime(c *gin.Context) {
	subject := c.GetString(subjectContextKey)
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("realtime upgrade failed", zap.Error(err))
		return
	}
	logger := h.logger.With(zap.String("subject", subject))
	logger.Info("realtime client connected")
	if err := remote.Serve(c.Request.Context(), ws, h.tree.Connect(), logger); err != nil {
		logger.Warn("realtime connection close failed", zap.Error(err))
	}
	logger.Info("realtime client disconnected")
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	objectPath := path.Join("uploads", strings.TrimPrefix(c.Param("path"), "/"))
	reader, err := h.bucket.Open(c.Request.Context(), objectPath)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrObjectNotFound), errors.Is(err, storage.ErrInvalidObjectPath):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		default:
			h.logger.Error("failed to open object", zap.String("path", objectPath), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_failed"})
		}
		return
	}
	defer reader.Close()

	contentType := mime.TypeByExtension(path.Ext(objectPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(c.Writer, reader); err != nil {
		h.logger.Warn("object download interrupted", zap.String("path", objectPath), zap.Error(err))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}
